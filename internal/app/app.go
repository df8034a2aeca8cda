package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venator/internal/challenge"
	"github.com/ternarybob/venator/internal/common"
	"github.com/ternarybob/venator/internal/handlers"
	"github.com/ternarybob/venator/internal/interfaces"
	"github.com/ternarybob/venator/internal/models"
	"github.com/ternarybob/venator/internal/orchestrator"
	"github.com/ternarybob/venator/internal/queue"
	"github.com/ternarybob/venator/internal/services/captcha"
	"github.com/ternarybob/venator/internal/services/events"
	"github.com/ternarybob/venator/internal/services/hitl"
	"github.com/ternarybob/venator/internal/services/tickets"
	badgerstore "github.com/ternarybob/venator/internal/storage/badger"
	"github.com/ternarybob/venator/internal/tiers"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage
	DB          *badgerstore.BadgerDB
	TicketStore interfaces.TicketStore
	TaskStore   interfaces.TaskStore
	JobStore    interfaces.JobStore
	LockStore   interfaces.LockStore

	// Services
	EventService   interfaces.EventService
	TicketService  *tickets.Service
	CaptchaService *captcha.Manager
	Sweeper        *captcha.Sweeper
	HITLService    interfaces.HITLService
	Detector       *challenge.Detector
	BrowserPool    *tiers.BrowserPool
	Orchestrator   *orchestrator.Orchestrator
	Queue          interfaces.JobQueue

	// HTTP handlers
	FetchHandler   *handlers.FetchHandler
	CaptchaHandler *handlers.CaptchaHandler
	HITLHandler    *handlers.HITLHandler
	EventsHandler  *handlers.EventsHandler
	StatusHandler  *handlers.StatusHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	logger.Info().
		Int("ladder_tiers", len(app.Orchestrator.Ladder())).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage initializes the Badger database and the stores on top of it
func (a *App) initStorage() error {
	db, err := badgerstore.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return err
	}
	a.DB = db

	a.TicketStore = badgerstore.NewTicketStore(db, a.Logger, a.Config.TicketMaxTTL())
	a.TaskStore = badgerstore.NewTaskStore(db, a.Logger)
	a.JobStore = badgerstore.NewJobStore(db, a.Logger)
	a.LockStore = badgerstore.NewLockStore(db, a.Logger)

	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	return nil
}

// initServices initializes all business services in dependency order:
// events, tickets, captcha tasks, the browser pool, the tier ladder, HITL
// and finally the job queue that feeds the orchestrator.
func (a *App) initServices() error {
	a.EventService = events.NewService(a.Logger)

	a.TicketService = tickets.NewService(
		a.TicketStore,
		a.EventService,
		a.Logger,
		a.Config.TicketDefaultTTL(),
		a.Config.TicketMaxTTL(),
	)

	a.CaptchaService = captcha.NewManager(
		a.TaskStore,
		a.LockStore,
		a.TicketService,
		a.EventService,
		a.Logger,
		a.Config.CaptchaTaskTTL(),
		a.Config.CaptchaLockTTL(),
		a.Config.CaptchaSolutionWait(),
	)

	sweeper, err := captcha.NewSweeper(a.CaptchaService, a.Config.Captcha.SweepSchedule, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create expiry sweeper: %w", err)
	}
	a.Sweeper = sweeper

	a.Detector = challenge.NewDetector()
	a.BrowserPool = tiers.NewBrowserPool(a.Config, a.Logger)

	a.HITLService = hitl.NewService(
		a.TicketService,
		a.CaptchaService,
		a.EventService,
		a.Detector,
		a.Logger,
		hitl.NewBrowserLauncher(a.BrowserPool, a.Config),
		a.Config.HITLAdminTimeout(),
		a.Config.HITLSolveTimeout(),
	)

	a.Orchestrator = orchestrator.New(a.TicketService, a.Logger)
	a.registerTiers()

	broker, err := queue.NewBadgerBroker(
		a.DB.DB(),
		a.Config.Queue.QueueName,
		a.Config.QueueVisibility(),
		a.Config.Queue.MaxReceive,
	)
	if err != nil {
		return fmt.Errorf("failed to create queue broker: %w", err)
	}

	queueService := queue.NewService(
		broker,
		a.JobStore,
		a.Logger,
		a.Config.Queue.Concurrency,
		a.Config.QueuePollInterval(),
		a.Config.QueueJobTimeout(),
	)
	queueService.RegisterHandler("fetch", a.fetchJobHandler)
	a.Queue = queueService

	return nil
}

// registerTiers builds the escalation ladder. Tiers named in the disabled
// list stay unregistered; the pluggable slots (5, 6) are unregistered
// until an implementation ships.
func (a *App) registerTiers() {
	if !a.Config.TierDisabled(models.TierRequest.String()) {
		a.Orchestrator.Register(tiers.NewRequestTier(a.Config, a.Detector, a.Logger))
	}
	if !a.Config.TierDisabled(models.TierWarmHTTP.String()) {
		a.Orchestrator.Register(tiers.NewWarmTier(a.Config, a.Detector, a.Logger))
	}
	if !a.Config.TierDisabled(models.TierBrowser.String()) {
		a.Orchestrator.Register(tiers.NewBrowserTier(a.BrowserPool, a.Config, a.Detector, a.Logger))
	}
	if !a.Config.TierDisabled(models.TierStealthBrowser.String()) {
		a.Orchestrator.Register(tiers.NewStealthTier(a.BrowserPool, a.Config, a.Detector, a.Logger))
	}
	if !a.Config.TierDisabled(models.TierHITL.String()) {
		a.Orchestrator.Register(tiers.NewHITLTier(a.HITLService))
	}
}

// fetchJobHandler is the queue worker entry point: it decodes the stored
// fetch request and runs the escalation ladder for it.
func (a *App) fetchJobHandler(ctx context.Context, jobID string, payload json.RawMessage) (*models.TierResult, error) {
	req, err := models.FetchRequestFromJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid fetch payload: %w", err)
	}

	a.Logger.Info().
		Str("job_id", jobID).
		Str("url", req.URL).
		Str("strategy", string(req.Strategy)).
		Msg("Processing fetch job")

	result := a.Orchestrator.Execute(ctx, req.URL, req.Options, req.Strategy)
	result.SetMeta("job_id", jobID)
	return result, nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() {
	a.FetchHandler = handlers.NewFetchHandler(a.Queue, a.Logger)
	a.CaptchaHandler = handlers.NewCaptchaHandler(a.CaptchaService, a.Logger)
	a.HITLHandler = handlers.NewHITLHandler(a.HITLService, a.Config, a.Logger)
	a.EventsHandler = handlers.NewEventsHandler(a.EventService, &a.Config.WebSocket, a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.Orchestrator, a.HITLService, a.TicketService, a.Logger)
}

// Start launches the background workers: the expiry sweeper and the job
// queue worker pool.
func (a *App) Start() error {
	a.Sweeper.Start()

	if err := a.Queue.Start(); err != nil {
		return fmt.Errorf("failed to start job queue: %w", err)
	}

	a.Logger.Info().
		Int("workers", a.Config.Queue.Concurrency).
		Msg("Background workers started")

	return nil
}

// Close shuts down all components in reverse dependency order.
func (a *App) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.Queue != nil {
		record(a.Queue.Stop())
	}
	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}
	if a.HITLService != nil {
		record(a.HITLService.Close())
	}
	if a.Orchestrator != nil {
		record(a.Orchestrator.Cleanup())
	}
	if a.BrowserPool != nil {
		record(a.BrowserPool.Shutdown())
	}
	if a.EventService != nil {
		record(a.EventService.Close())
	}
	if a.DB != nil {
		record(a.DB.Close())
	}

	a.Logger.Info().Msg("Application shut down")
	return firstErr
}
