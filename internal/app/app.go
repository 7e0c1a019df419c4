package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/capture"
	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/handlers"
	"github.com/ternarybob/recap/internal/interfaces"
	"github.com/ternarybob/recap/internal/models"
	"github.com/ternarybob/recap/internal/queue"
	"github.com/ternarybob/recap/internal/services/analysis"
	"github.com/ternarybob/recap/internal/services/events"
	"github.com/ternarybob/recap/internal/services/llm"
	"github.com/ternarybob/recap/internal/services/mcp"
	"github.com/ternarybob/recap/internal/services/report"
	"github.com/ternarybob/recap/internal/services/retention"
	"github.com/ternarybob/recap/internal/services/scheduler"
	"github.com/ternarybob/recap/internal/storage"
)

const (
	jobBatchTick = "batch_tick"
	jobRetention = "retention_sweep"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	ctx            context.Context
	cancelCtx      context.CancelFunc
	StorageManager interfaces.StorageManager
	AuditLogger    interfaces.AuditLogger
	EventService   interfaces.EventService

	// Analysis pipeline
	Provider         interfaces.AnalysisProvider
	QueueManager     *queue.BadgerManager
	WorkerPool       *queue.WorkerPool
	Coordinator      *analysis.Coordinator
	BatchScheduler   *scheduler.BatchScheduler
	SchedulerService *scheduler.Service
	RetentionService *retention.Service

	// Capture
	CaptureEngine *capture.Engine
	captureDone   chan struct{}

	// MCP and reports
	MCPServer     *mcp.TimelineServer
	ReportService *report.Service

	// HTTP handlers
	APIHandler       *handlers.APIHandler
	TimelineHandler  *handlers.TimelineHandler
	ExportHandler    *handlers.ExportHandler
	ReprocessHandler *handlers.ReprocessHandler
	CaptureHandler   *handlers.CaptureHandler
	SchedulerHandler *handlers.SchedulerHandler
	WSHandler        *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config:    cfg,
		Logger:    logger,
		ctx:       ctx,
		cancelCtx: cancel,
	}

	if err := app.initDatabase(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// EventService is needed by the WebSocket handler and every pipeline stage
	app.EventService = events.NewService(app.Logger)
	if err := events.SubscribeLoggerToAllEvents(app.EventService, app.Logger); err != nil {
		app.Logger.Warn().Err(err).Msg("Failed to subscribe event logger")
	}
	app.WSHandler = handlers.NewWebSocketHandler(app.EventService, app.Logger, &app.Config.WebSocket)

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	if err := app.start(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to start services: %w", err)
	}

	logger.Info().
		Str("provider", app.Provider.Name()).
		Bool("scheduler_enabled", cfg.Scheduler.Enabled).
		Bool("retention_enabled", cfg.Retention.Enabled).
		Bool("capture_auto_start", cfg.Capture.AutoStart).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger) and the provider call audit store (SQLite)
func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	auditLogger, err := storage.NewAuditLogger(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}
	a.AuditLogger = auditLogger

	if err := os.MkdirAll(a.Config.Storage.Media.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create media directory: %w", err)
	}
	return nil
}

// initServices initializes the pipeline in dependency order:
// provider -> coordinator -> queue + workers -> batch scheduler -> cron jobs -> capture engine
func (a *App) initServices() error {
	var err error

	a.Provider, err = llm.NewProvider(a.ctx, a.Config, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize analysis provider: %w", err)
	}

	reclaimer := analysis.NewFileReclaimer(a.Config.Storage.Media.Dir, a.Logger)
	a.Coordinator = analysis.NewCoordinator(
		a.StorageManager,
		a.Provider,
		a.AuditLogger,
		a.EventService,
		analysis.NewFileMediaAssembler(a.Config.Storage.Media.Dir),
		reclaimer,
		analysis.NewConfig(a.Config),
		a.Logger,
	)

	queueConfig := queue.NewConfig(a.Config.Queue)
	a.QueueManager, err = queue.NewBadgerManager(a.StorageManager.DB(), queueConfig, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create queue manager: %w", err)
	}
	a.WorkerPool = queue.NewWorkerPool(a.QueueManager, queueConfig, a.Logger)
	a.WorkerPool.RegisterHandler(models.MessageTypeAnalyzeBatch, a.Coordinator.HandleMessage)

	a.BatchScheduler = scheduler.NewBatchScheduler(
		a.StorageManager,
		a.QueueManager,
		a.Coordinator,
		reclaimer,
		a.EventService,
		scheduler.NewBatchConfig(a.Config),
		a.Logger,
	)

	a.RetentionService = retention.NewService(a.StorageManager, reclaimer, &a.Config.Retention, a.Logger)

	a.SchedulerService = scheduler.NewService(a.Logger)
	if a.Config.Scheduler.Enabled {
		tick := common.ParseDurationOr(a.Config.Scheduler.Tick, time.Minute)
		if err := a.SchedulerService.RegisterJob(jobBatchTick, fmt.Sprintf("@every %s", tick),
			"Groups captured chunks into batches and dispatches them for analysis", a.BatchScheduler.Tick); err != nil {
			return fmt.Errorf("failed to register batch tick: %w", err)
		}
	}
	if a.Config.Retention.Enabled {
		if err := a.SchedulerService.RegisterJob(jobRetention, a.Config.Retention.Schedule,
			"Deletes chunk media past the retention period", a.RetentionService.Sweep); err != nil {
			return fmt.Errorf("failed to register retention sweep: %w", err)
		}
	}

	a.CaptureEngine = capture.NewEngine(
		capture.NewCommandRecorder(&a.Config.Capture, a.Logger),
		a.StorageManager.ChunkStorage(),
		a.EventService,
		capture.NewConfig(a.Config),
		a.Logger,
	)

	a.MCPServer = mcp.NewTimelineServer(a.StorageManager, a.Config.Timeline.DayStartHour, a.Logger)
	a.ReportService = report.NewService(a.StorageManager.TimelineStorage(), a.Config.Timeline.DayStartHour, a.Logger)

	return nil
}

// initHandlers initializes HTTP handlers
func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.CaptureEngine, a.QueueManager, a.Logger)
	a.TimelineHandler = handlers.NewTimelineHandler(a.StorageManager, a.Config.Timeline.DayStartHour, a.Logger)
	a.ExportHandler = handlers.NewExportHandler(a.ReportService, a.Logger)
	a.ReprocessHandler = handlers.NewReprocessHandler(a.BatchScheduler, a.Logger)
	a.CaptureHandler = handlers.NewCaptureHandler(a.CaptureEngine, a.Logger)
	a.SchedulerHandler = handlers.NewSchedulerHandler(a.SchedulerService, a.Logger)
	a.WSHandler.SetStatusSource(a.CaptureEngine)
}

// start launches the background loops once everything is wired
func (a *App) start() error {
	if err := a.WorkerPool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	if err := a.SchedulerService.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	a.captureDone = make(chan struct{})
	common.SafeGo(a.Logger, "capture-engine", func() {
		defer close(a.captureDone)
		a.CaptureEngine.Run(a.ctx)
	})

	if a.Config.Capture.AutoStart {
		a.CaptureEngine.Start()
		a.Logger.Info().Msg("Capture auto-started")
	}
	return nil
}

// Close closes all application resources.
// Capture is stopped first so the last chunk is persisted, then the producers of
// analysis work, then the workers, then storage.
func (a *App) Close() error {
	if a.CaptureEngine != nil && a.captureDone != nil {
		a.CaptureEngine.Stop()
		a.waitForCaptureIdle(10 * time.Second)
	}

	if a.cancelCtx != nil {
		a.Logger.Info().Msg("Cancelling background goroutines")
		a.cancelCtx()
	}
	if a.captureDone != nil {
		<-a.captureDone
		a.Logger.Info().Msg("Capture engine stopped")
	}

	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
	}

	if a.WorkerPool != nil {
		if err := a.WorkerPool.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop worker pool")
		} else {
			a.Logger.Info().Msg("Worker pool stopped")
		}
	}

	if a.WSHandler != nil {
		a.WSHandler.Close()
	}

	if a.Provider != nil {
		if err := a.Provider.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close analysis provider")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.AuditLogger != nil {
		if err := a.AuditLogger.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close audit logger")
		}
	}

	if a.QueueManager != nil {
		if err := a.QueueManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close queue manager")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}

// waitForCaptureIdle waits for a requested stop to finalize the current chunk
func (a *App) waitForCaptureIdle(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		state := a.CaptureEngine.Status().State
		if state == models.CaptureStateIdle || state == models.CaptureStatePaused {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	a.Logger.Warn().Dur("timeout", timeout).Msg("Capture did not stop in time")
}
