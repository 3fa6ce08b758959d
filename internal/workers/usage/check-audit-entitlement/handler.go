package checkauditentitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rgaa-audit-workers/internal/common/camunda"
	"rgaa-audit-workers/internal/common/config"
	"rgaa-audit-workers/internal/common/errors"
	"rgaa-audit-workers/internal/common/logger"
	"rgaa-audit-workers/internal/common/metrics"
	"rgaa-audit-workers/internal/common/observability"
	"rgaa-audit-workers/internal/common/validation"
	"rgaa-audit-workers/internal/usage"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const TaskType = "audit.entitlement.check"

// Checker evaluates whether a user may start an audit.
type Checker interface {
	Check(ctx context.Context, email string) (*usage.Entitlement, error)
}

type Handler struct {
	config     *Config
	logger     logger.Logger
	camunda    *camunda.Client
	checker    Checker
	errHandler *errors.ErrorHandler
	obs        *observability.Observability
	jobWorker  worker.JobWorker
}

type HandlerOptions struct {
	AppConfig     *config.Config
	Camunda       *camunda.Client
	CustomConfig  *Config
	Logger        logger.Logger
	Observability *observability.Observability
	Checker       Checker
}

func NewHandler(opts HandlerOptions) (*Handler, error) {
	workerConfig := createConfigFromAppConfig(opts.AppConfig, opts.CustomConfig)
	if err := workerConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration for %s: %w", TaskType, err)
	}
	if opts.Checker == nil {
		return nil, fmt.Errorf("%s: entitlement checker is required", TaskType)
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewStructured("info", "json")
	}
	log = log.WithFields(map[string]interface{}{"worker": TaskType})

	return &Handler{
		config:     workerConfig,
		logger:     log,
		camunda:    opts.Camunda,
		checker:    opts.Checker,
		errHandler: errors.NewErrorHandler(log),
		obs:        opts.Observability,
	}, nil
}

// Handle completes the job with the decision. A denial is a normal outcome, not a job error.
func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	startTime := time.Now()
	metrics.WorkerJobsActive.WithLabelValues(TaskType).Inc()
	defer metrics.WorkerJobsActive.WithLabelValues(TaskType).Dec()

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	input, err := h.parseInput(job)
	if err != nil {
		h.fail(ctx, client, job, err, startTime)
		return
	}

	output, err := h.Execute(ctx, input)
	if err != nil {
		h.fail(ctx, client, job, err, startTime)
		return
	}

	vars, err := outputVariables(output)
	if err != nil {
		h.fail(ctx, client, job, errors.NewInternalError(err), startTime)
		return
	}

	request, err := client.NewCompleteJobCommand().JobKey(job.GetKey()).VariablesFromMap(vars)
	if err != nil {
		h.logger.Error("Failed to create complete job command", map[string]interface{}{
			"jobKey": job.GetKey(),
			"error":  err.Error(),
		})
		return
	}
	if _, err := request.Send(ctx); err != nil {
		h.logger.Error("Failed to complete job", map[string]interface{}{
			"jobKey": job.GetKey(),
			"error":  err.Error(),
		})
		return
	}

	h.logger.Info("Entitlement checked", map[string]interface{}{
		"jobKey":       job.GetKey(),
		"auditAllowed": output.AuditAllowed,
		"plan":         output.Plan,
	})
	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(startTime).Seconds())
	h.obs.RecordJob(ctx, TaskType, "completed", time.Since(startTime))
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	email := usage.NormalizeEmail(input.Email)
	ent, err := h.checker.Check(ctx, email)
	if err != nil {
		return nil, usage.StandardError(email, err)
	}
	return &Output{
		AuditAllowed: ent.Decision.Allowed,
		DenialReason: ent.Decision.Reason,
		Plan:         ent.Decision.Plan,
		Usage:        ent.Summary,
	}, nil
}

func (h *Handler) parseInput(job entities.Job) (*Input, error) {
	variables, err := job.GetVariablesAsMap()
	if err != nil {
		return nil, errors.NewInputParsingFailedError(err)
	}
	if result := validation.ValidateInput(variables, GetInputSchema()); !result.Valid {
		return nil, errors.NewValidationFailedError(result.Error())
	}
	return &Input{Email: variables["email"].(string)}, nil
}

// outputVariables flattens the output through its JSON shape so the summary reaches the process as an object.
func outputVariables(output *Output) (map[string]interface{}, error) {
	raw, err := json.Marshal(output)
	if err != nil {
		return nil, err
	}
	vars := map[string]interface{}{}
	if err := json.Unmarshal(raw, &vars); err != nil {
		return nil, err
	}
	if _, ok := vars["denialReason"]; !ok {
		vars["denialReason"] = ""
	}
	return vars, nil
}

func (h *Handler) fail(ctx context.Context, client worker.JobClient, job entities.Job, err error, start time.Time) {
	bpmnErr := h.errHandler.HandleJobError(ctx, client, job, err)
	metrics.WorkerJobsFailed.WithLabelValues(TaskType, bpmnErr.Code).Inc()
	h.obs.RecordJob(ctx, TaskType, "failed", time.Since(start))
}

func (h *Handler) Register() error {
	if !h.config.Enabled {
		h.logger.Info("Worker is disabled, skipping registration", nil)
		return nil
	}
	if h.camunda == nil {
		return fmt.Errorf("%s: camunda client is required to register", TaskType)
	}
	h.jobWorker = camunda.OpenWorker(h.camunda.GetClient(), camunda.WorkerOptions{
		TaskType:      TaskType,
		MaxJobsActive: h.config.MaxJobsActive,
		Timeout:       h.config.Timeout,
		Handler:       h.Handle,
	}, h.logger)
	return nil
}

func (h *Handler) Close() {
	if h.jobWorker != nil {
		h.jobWorker.Close()
		h.jobWorker.AwaitClose()
		h.jobWorker = nil
	}
}

func (h *Handler) HealthCheck(ctx context.Context) error {
	if h.camunda == nil {
		return nil
	}
	return h.camunda.HealthCheck(ctx)
}

func (h *Handler) GetTaskType() string {
	return TaskType
}

func createConfigFromAppConfig(appConfig *config.Config, customConfig *Config) *Config {
	if customConfig != nil {
		return customConfig
	}
	cfg := DefaultConfig()
	if appConfig == nil {
		return cfg
	}
	wc := config.GetWorkerConfig(appConfig, TaskType)
	cfg.Enabled = wc.Enabled
	if wc.MaxJobsActive > 0 {
		cfg.MaxJobsActive = wc.MaxJobsActive
	}
	if wc.Timeout > 0 {
		cfg.Timeout = config.GetDuration(wc.Timeout)
	}
	return cfg
}
