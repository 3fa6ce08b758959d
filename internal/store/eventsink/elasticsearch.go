// Package eventsink indexes usage events for reporting.
package eventsink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"rgaa-audit-workers/internal/usage"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// Elasticsearch writes one document per usage event, keyed by event ID so redelivery is harmless.
type Elasticsearch struct {
	client *elasticsearch.Client
	index  string
}

func NewElasticsearch(client *elasticsearch.Client, index string) *Elasticsearch {
	return &Elasticsearch{client: client, index: index}
}

func (s *Elasticsearch) Publish(ctx context.Context, event usage.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      s.index,
		DocumentID: event.ID,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("index usage event: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("index usage event: %s: %s", res.Status(), msg)
	}
	return nil
}
