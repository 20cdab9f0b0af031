// Package app provides the core application logic for the RDS running scheduler.
package app

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/cockroachdb/errors"

	"github.com/mpz/devops/tools/rds-run-scheduler/internal/config"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/discovery"
	internalerrors "github.com/mpz/devops/tools/rds-run-scheduler/internal/errors"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/machine"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/metrics"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/notifiers"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/rds"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/schedule"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/storage"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/types"
)

// App is the main application instance.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Engine        *machine.Engine
	ClientManager *rds.ClientManager
	Store         storage.Store
	Notifier      notifiers.Notifier
	Metrics       *metrics.Metrics
	Schedules     []schedule.Definition

	now func() time.Time
}

// New creates a new App instance.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := config.NewLogger()

	app := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(),
		now:     time.Now,
	}

	// Initialize storage
	var store storage.Store
	if cfg.DataDir != "" {
		fileStore, err := storage.NewFileStore(cfg.DataDir)
		if err != nil {
			return nil, errors.Wrap(err, "create file store")
		}
		store = fileStore
		logger.Info("using file-based storage", slog.String("data_dir", cfg.DataDir))
	} else {
		store = &storage.NullStore{}
		logger.Info("storage disabled, runs will not persist")
	}
	app.Store = store

	var awsCfg aws.Config
	if cfg.DemoMode {
		// the mock server accepts unsigned requests
		awsCfg = aws.Config{
			Region:           cfg.AWSRegion,
			RetryMaxAttempts: 1,
			Credentials:      aws.AnonymousCredentials{},
		}
		logger.Info("using demo mode with mock AWS endpoints",
			slog.String("rds", cfg.RDSEndpoint),
			slog.String("tagging", cfg.TaggingEndpoint),
			slog.String("sns", cfg.SNSEndpoint))
	} else {
		loaded, err := cfg.LoadAWSConfig(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "load aws config")
		}
		awsCfg = loaded
	}

	app.ClientManager = rds.NewClientManager(rds.ClientManagerConfig{
		BaseConfig: awsCfg,
		Profile:    cfg.AWSProfile,
		DemoMode:   cfg.DemoMode,
		BaseURL:    cfg.RDSEndpoint,
	})

	discoverer := discovery.NewClient(discovery.ClientConfig{
		AWSConfig: awsCfg,
		BaseURL:   cfg.TaggingEndpoint,
	})

	app.Notifier = buildNotifier(cfg, awsCfg, logger)

	app.Engine = machine.NewEngine(machine.EngineConfig{
		Discoverer:     discoverer,
		Prober:         app.ClientManager,
		Commander:      app.ClientManager,
		Notifier:       app.Notifier,
		Store:          store,
		Logger:         logger,
		Metrics:        app.Metrics,
		PollInterval:   cfg.PollIntervalDuration(),
		MaxConcurrency: cfg.MaxConcurrency,
		MaxPolls:       cfg.MaxPolls,
	})

	if err := app.Engine.LoadFromStore(ctx); err != nil {
		logger.Warn("failed to load state from storage", slog.String("error", err.Error()))
	}

	schedules, err := loadSchedules(cfg)
	if err != nil {
		return nil, err
	}
	app.Schedules = schedules

	return app, nil
}

// NewWithEngine creates an App with a pre-configured engine (for testing).
func NewWithEngine(cfg *config.Config, engine *machine.Engine, notifier notifiers.Notifier) *App {
	return &App{
		Config:    cfg,
		Logger:    config.NewLogger(),
		Engine:    engine,
		Notifier:  notifier,
		Schedules: []schedule.Definition{schedule.Default(cfg.TagKey, cfg.TagValues)},
		now:       time.Now,
	}
}

func buildNotifier(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) notifiers.Notifier {
	var ns []notifiers.Notifier
	if cfg.SNSTopicARN != "" {
		ns = append(ns, notifiers.NewSNSNotifier(notifiers.SNSConfig{
			AWSConfig: awsCfg,
			TopicARN:  cfg.SNSTopicARN,
			BaseURL:   cfg.SNSEndpoint,
		}))
		logger.Info("sns notifications enabled", slog.String("topic", cfg.SNSTopicARN))
	}
	if cfg.SlackEnabled && cfg.SlackToken != "" {
		ns = append(ns, notifiers.NewSlackNotifier(cfg.SlackToken, cfg.SlackChannel))
		logger.Info("slack notifications enabled", slog.String("channel", cfg.SlackChannel))
	}

	if len(ns) == 0 {
		logger.Info("notifications disabled")
		return &notifiers.NullNotifier{}
	}
	multi := notifiers.NewMultiNotifier(ns...)
	logger.Info("notifications enabled", slog.Int("notifiers", multi.Len()))
	return multi
}

func loadSchedules(cfg *config.Config) ([]schedule.Definition, error) {
	if cfg.SchedulesFile == "" {
		return []schedule.Definition{schedule.Default(cfg.TagKey, cfg.TagValues)}, nil
	}
	defs, err := schedule.Load(cfg.SchedulesFile)
	if err != nil {
		return nil, errors.Wrap(err, "load schedules")
	}
	return defs, nil
}

// StatusResponse contains application status.
type StatusResponse struct {
	Status       string `json:"status"`
	SlackEnabled bool   `json:"slack_enabled"`
	SNSEnabled   bool   `json:"sns_enabled"`
	LocksHeld    int    `json:"locks_held"`
	Runs         struct {
		Total     int `json:"total"`
		Running   int `json:"running"`
		Succeeded int `json:"succeeded"`
		Partial   int `json:"partial"`
		Failed    int `json:"failed"`
	} `json:"runs"`
}

// GetStatus returns the current application status.
func (a *App) GetStatus() StatusResponse {
	runs := a.Engine.ListRuns()

	status := StatusResponse{
		Status:       "ok",
		SlackEnabled: a.Config.SlackEnabled,
		SNSEnabled:   a.Config.SNSTopicARN != "",
		LocksHeld:    a.Engine.Locks().Held(),
	}
	status.Runs.Total = len(runs)

	for _, r := range runs {
		switch r.State {
		case types.RunRunning:
			status.Runs.Running++
		case types.RunSucceeded:
			status.Runs.Succeeded++
		case types.RunPartial:
			status.Runs.Partial++
		case types.RunFailed:
			status.Runs.Failed++
		}
	}

	return status
}

// RunRequest is the request to start a run. Empty tag fields fall back to
// the configured defaults.
type RunRequest struct {
	Mode      string   `json:"mode"`
	TagKey    string   `json:"tag_key,omitempty"`
	TagValues []string `json:"tag_values,omitempty"`
	// Wait blocks until every branch is terminal.
	Wait bool `json:"wait,omitempty"`
}

// ScheduleRequest resolves a run request against the configured defaults.
func (a *App) ScheduleRequest(req RunRequest) (types.ScheduleRequest, error) {
	mode, err := types.ParseMode(req.Mode)
	if err != nil {
		return types.ScheduleRequest{}, errors.Wrap(internalerrors.ErrInvalidParameter, err.Error())
	}

	tagKey := strings.TrimSpace(req.TagKey)
	if tagKey == "" {
		tagKey = a.Config.TagKey
	}
	values := req.TagValues
	if len(values) == 0 {
		values = a.Config.TagValues
	}

	sr := types.NewScheduleRequest(mode, tagKey, values...)
	if err := sr.Validate(); err != nil {
		return types.ScheduleRequest{}, errors.Wrap(internalerrors.ErrInvalidParameter, err.Error())
	}
	return sr, nil
}

// StartRun starts a run for the request.
func (a *App) StartRun(ctx context.Context, req RunRequest, trigger string) (*types.RunRecord, error) {
	sr, err := a.ScheduleRequest(req)
	if err != nil {
		return nil, err
	}
	if req.Wait {
		return a.Engine.Run(ctx, sr, trigger)
	}
	return a.Engine.StartRun(ctx, sr, trigger)
}

// HandleScheduledEvent runs the request carried by a timer payload. Events
// older than the maximum event age are dropped.
func (a *App) HandleScheduledEvent(ctx context.Context, p schedule.Payload, trigger string) (*types.RunRecord, error) {
	sr, err := p.Request()
	if err != nil {
		return nil, err
	}
	if err := a.checkEventAge(p, trigger); err != nil {
		return nil, err
	}
	return a.Engine.Run(ctx, sr, trigger)
}

// HandleTargetedEvent issues the single command named by an identifier
// payload. There is no discovery, polling or notification.
func (a *App) HandleTargetedEvent(ctx context.Context, p schedule.Payload, trigger string) (types.Mode, types.TargetResource, error) {
	mode, target, err := p.Target()
	if err != nil {
		return "", types.TargetResource{}, err
	}
	if err := a.checkEventAge(p, trigger); err != nil {
		return "", types.TargetResource{}, err
	}
	return mode, target, a.Engine.Command(ctx, mode, target)
}

func (a *App) checkEventAge(p schedule.Payload, trigger string) error {
	if p.ScheduledTime == nil {
		return nil
	}
	if err := schedule.DefaultRetryPolicy().CheckEventAge(*p.ScheduledTime, a.now()); err != nil {
		a.Logger.Warn("dropping expired trigger event",
			slog.String("trigger", trigger),
			slog.Time("scheduled_time", *p.ScheduledTime))
		return err
	}
	return nil
}

// GetRun returns a run by ID.
func (a *App) GetRun(id string) (*types.RunRecord, error) {
	return a.Engine.GetRun(id)
}

// ListRuns returns all runs, newest first.
func (a *App) ListRuns() []*types.RunRecord {
	return a.Engine.ListRuns()
}

// GetEvents returns events for a run.
func (a *App) GetEvents(runID string) ([]types.Event, error) {
	return a.Engine.GetEvents(runID)
}

// ListTriggers renders the triggers of every configured schedule.
func (a *App) ListTriggers() []schedule.Trigger {
	var out []schedule.Trigger
	for _, d := range a.Schedules {
		out = append(out, d.Triggers()...)
	}
	return out
}

// ExecuteStep advances a single externally driven branch.
func (a *App) ExecuteStep(ctx context.Context, in machine.StepInput) (*machine.StepResult, error) {
	return a.Engine.ExecuteStep(ctx, in)
}
