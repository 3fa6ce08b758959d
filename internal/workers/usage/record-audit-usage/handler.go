package recordauditusage

import (
	"context"
	"fmt"
	"time"

	"rgaa-audit-workers/internal/common/camunda"
	"rgaa-audit-workers/internal/common/config"
	"rgaa-audit-workers/internal/common/errors"
	"rgaa-audit-workers/internal/common/logger"
	"rgaa-audit-workers/internal/common/metrics"
	"rgaa-audit-workers/internal/common/observability"
	"rgaa-audit-workers/internal/common/validation"
	"rgaa-audit-workers/internal/models"
	"rgaa-audit-workers/internal/usage"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const TaskType = "audit.usage.record"

// Recorder counts one audit for a user.
type Recorder interface {
	RecordAudit(ctx context.Context, rec *models.UserRecord) (*models.UserRecord, error)
}

type Handler struct {
	config     *Config
	logger     logger.Logger
	camunda    *camunda.Client
	recorder   Recorder
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
	Recorder      Recorder
}

func NewHandler(opts HandlerOptions) (*Handler, error) {
	workerConfig := createConfigFromAppConfig(opts.AppConfig, opts.CustomConfig)
	if err := workerConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration for %s: %w", TaskType, err)
	}
	if opts.Recorder == nil {
		return nil, fmt.Errorf("%s: usage recorder is required", TaskType)
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
		recorder:   opts.Recorder,
		errHandler: errors.NewErrorHandler(log),
		obs:        opts.Observability,
	}, nil
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	startTime := time.Now()
	metrics.WorkerJobsActive.WithLabelValues(TaskType).Inc()
	defer metrics.WorkerJobsActive.WithLabelValues(TaskType).Dec()

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	h.logger.Info("Recording audit usage", map[string]interface{}{
		"jobKey":             job.GetKey(),
		"processInstanceKey": job.GetProcessInstanceKey(),
	})

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

	h.completeJob(ctx, client, job, output)
	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(startTime).Seconds())
	h.obs.RecordJob(ctx, TaskType, "completed", time.Since(startTime))
}

// Execute counts the audit and reports the stored counters.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	email := usage.NormalizeEmail(input.Email)
	rec, err := h.recorder.RecordAudit(ctx, &models.UserRecord{Email: email})
	if err != nil {
		return nil, usage.StandardError(email, err)
	}

	beta := rec.IsExemptBetaUser()
	return &Output{
		AuditRecorded:   !beta,
		BetaExempt:      beta,
		Plan:            usage.ResolvePlan(rec.Subscription.Plan),
		AuditsToday:     rec.Usage.AuditsToday,
		AuditsThisMonth: rec.Usage.AuditsThisMonth,
		AuditsTotal:     rec.Usage.AuditsTotal,
		LastAuditDate:   rec.Usage.LastAuditDate,
	}, nil
}

func (h *Handler) parseInput(job entities.Job) (*Input, error) {
	variables, err := job.GetVariablesAsMap()
	if err != nil {
		return nil, errors.NewInputParsingFailedError(err)
	}

	result := validation.ValidateInput(variables, GetInputSchema())
	if !result.Valid {
		return nil, errors.NewValidationFailedError(result.Error())
	}

	return &Input{Email: variables["email"].(string)}, nil
}

func (h *Handler) completeJob(ctx context.Context, client worker.JobClient, job entities.Job, output *Output) {
	request, err := client.NewCompleteJobCommand().JobKey(job.GetKey()).VariablesFromMap(outputVariables(output))
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
	h.logger.Info("Audit usage recorded", map[string]interface{}{
		"jobKey":      job.GetKey(),
		"auditsToday": output.AuditsToday,
		"betaExempt":  output.BetaExempt,
	})
}

func outputVariables(output *Output) map[string]interface{} {
	vars := map[string]interface{}{
		"auditRecorded":   output.AuditRecorded,
		"betaExempt":      output.BetaExempt,
		"plan":            output.Plan,
		"auditsToday":     output.AuditsToday,
		"auditsThisMonth": output.AuditsThisMonth,
		"auditsTotal":     output.AuditsTotal,
	}
	if output.LastAuditDate != nil {
		vars["lastAuditDate"] = output.LastAuditDate.UTC().Format(time.RFC3339)
	}
	return vars
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
		h.logger.Info("Shutting down worker gracefully", nil)
		h.jobWorker.Close()
		h.jobWorker.AwaitClose()
		h.jobWorker = nil
	}
}

func (h *Handler) HealthCheck(ctx context.Context) error {
	if h.camunda == nil {
		return nil
	}
	if err := h.camunda.HealthCheck(ctx); err != nil {
		return fmt.Errorf("camunda health check failed: %w", err)
	}
	return nil
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
