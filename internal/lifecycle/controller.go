package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"gorm.io/gorm"

	"pricing-desktop/internal/api"
	"pricing-desktop/internal/backend"
	"pricing-desktop/internal/config"
	"pricing-desktop/internal/crypto"
	"pricing-desktop/internal/database"
	"pricing-desktop/internal/events"
	"pricing-desktop/internal/jobs"
	"pricing-desktop/internal/services/monitor"
	"pricing-desktop/internal/services/processing"
	"pricing-desktop/internal/services/settings"
)

// Controller owns everything that lives for one application session: the
// history database, the backend client and supervisor, and the services on top.
type Controller struct {
	cfg     *config.Settings
	emitter events.Emitter

	specOverride *backend.LaunchSpec
	runtimeCheck backend.RuntimeCheck
	cipher       *crypto.Cipher
	withMonitor  bool

	db         *gorm.DB
	client     *api.Client
	diag       *backend.DiagLog
	supervisor *backend.Supervisor

	Processing *processing.Service
	Settings   *settings.Service
	Monitor    *monitor.Service

	opened       bool
	shutdownOnce sync.Once

	// guards closing and cancelStart; Monitor.Start runs under it too
	mu          sync.Mutex
	closing     bool
	cancelStart context.CancelFunc
	starting    sync.WaitGroup
}

// Option configures a Controller
type Option func(*Controller)

// WithEmitter sets where front-end events go; defaults to the standard logger
func WithEmitter(e events.Emitter) Option {
	return func(c *Controller) { c.emitter = e }
}

// WithLaunchSpec replaces the uvicorn launch derived from settings
func WithLaunchSpec(spec backend.LaunchSpec) Option {
	return func(c *Controller) { c.specOverride = &spec }
}

// WithRuntimeCheck replaces the interpreter pre-flight check
func WithRuntimeCheck(fn backend.RuntimeCheck) Option {
	return func(c *Controller) { c.runtimeCheck = fn }
}

// WithCipher sets the cipher for local secrets instead of loading it from the keychain
func WithCipher(cipher *crypto.Cipher) Option {
	return func(c *Controller) { c.cipher = cipher }
}

// WithoutMonitor disables the scheduled health and dashboard refreshes
func WithoutMonitor() Option {
	return func(c *Controller) { c.withMonitor = false }
}

// New creates a controller; nothing is opened until Open
func New(cfg *config.Settings, opts ...Option) *Controller {
	c := &Controller{
		cfg:         cfg,
		emitter:     events.LogEmitter{},
		withMonitor: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open initializes storage and services without starting the backend
func (c *Controller) Open(ctx context.Context) error {
	if c.opened {
		return nil
	}

	b := c.cfg.Backend
	if err := os.MkdirAll(b.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := database.Init(database.Options{
		URL:      c.cfg.Database.URL,
		DataDir:  b.DataDir,
		LogLevel: c.cfg.LogLevel,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	c.db = db

	if c.cipher == nil {
		cipher, err := crypto.LoadCipher()
		if err != nil {
			// Settings still work; the service key is just not kept locally
			log.Printf("WARNING: Encryption unavailable, service key will not be stored: %v", err)
		} else {
			c.cipher = cipher
			log.Println("Encryption initialized successfully")
		}
	}

	c.client = api.NewClient(b.BaseURL(),
		api.WithProbeTimeout(b.HealthTimeout),
	)

	diag, err := backend.OpenDiagLog(b.LogDir())
	if err != nil {
		log.Printf("WARNING: %v; backend output will not be kept", err)
		diag = backend.NewDiscardLog()
	}
	c.diag = diag

	spec := backend.NewLaunchSpec(b)
	if c.specOverride != nil {
		spec = *c.specOverride
	}

	supOpts := []backend.Option{
		backend.WithOptions(backend.OptionsFromSettings(b)),
		backend.WithDiagLog(diag),
	}
	if c.runtimeCheck != nil {
		supOpts = append(supOpts, backend.WithRuntimeCheck(c.runtimeCheck))
	}
	c.supervisor = backend.NewSupervisor(spec, c.client, supOpts...)

	c.Processing = processing.NewService(ctx, db, c.client, c.emitter,
		jobs.WithInterval(c.cfg.Jobs.PollInterval),
		jobs.WithRequestTimeout(c.cfg.Jobs.RequestTimeout),
	)
	log.Println("Processing service initialized")

	c.Settings = settings.NewService(ctx, db, c.client, c.cipher)
	log.Println("Settings service initialized")

	c.Monitor = monitor.NewService(ctx, db, c.emitter, c.supervisor, c.client,
		monitor.WithSchedules(c.cfg.Monitor.HealthCron, c.cfg.Monitor.DashboardCron),
		monitor.WithProbeTimeout(b.HealthTimeout),
		monitor.WithLaunchInfo(spec.String(), diag.Path()),
	)
	c.supervisor.OnStatusChange(c.Monitor.HandleStatusChange)
	log.Println("Monitor service initialized")

	if _, err := c.Processing.MarkAbandoned(); err != nil {
		log.Printf("WARNING: %v", err)
	}

	c.opened = true
	return nil
}

// StartBackend launches the backend and waits until it is ready. Failures are
// *backend.StartupError values and are not retried. Shutdown aborts a start in
// progress and waits for it to return.
func (c *Controller) StartBackend(ctx context.Context) error {
	if !c.opened {
		return errors.New("controller is not open")
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return backend.ErrStartAborted
	}
	startCtx, cancel := context.WithCancel(ctx)
	c.cancelStart = cancel
	c.starting.Add(1)
	c.mu.Unlock()
	defer c.starting.Done()
	defer cancel()

	if err := c.supervisor.Start(startCtx); err != nil {
		return err
	}
	log.Printf("Backend ready at %s", c.client.BaseURL())

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return backend.ErrStartAborted
	}
	if c.withMonitor {
		if err := c.Monitor.Start(); err != nil {
			log.Printf("WARNING: Failed to start monitor: %v", err)
		}
	}
	return nil
}

// Startup opens the controller and starts the backend
func (c *Controller) Startup(ctx context.Context) error {
	if err := c.Open(ctx); err != nil {
		return err
	}
	return c.StartBackend(ctx)
}

// Shutdown stops tracking, the monitor and the backend, then closes storage.
// Only the first call has any effect.
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(func() {
		if !c.opened {
			return
		}
		log.Println("Shutting down...")

		c.mu.Lock()
		c.closing = true
		if c.cancelStart != nil {
			c.cancelStart()
		}
		c.mu.Unlock()

		c.Processing.Close()
		c.Monitor.Stop()
		c.supervisor.Stop(c.cfg.Backend.GracePeriod)
		// the aborted start still records its launch before storage closes
		c.starting.Wait()

		if err := c.diag.Close(); err != nil {
			log.Printf("WARNING: Failed to close diagnostic log: %v", err)
		}
		if err := database.Close(c.db); err != nil {
			log.Printf("Error closing database: %v", err)
		}
		log.Println("Shutdown complete")
	})
}

// Client returns the backend API client
func (c *Controller) Client() *api.Client {
	return c.client
}

// Supervisor returns the backend supervisor
func (c *Controller) Supervisor() *backend.Supervisor {
	return c.supervisor
}

// Config returns the settings the controller was created with
func (c *Controller) Config() *config.Settings {
	return c.cfg
}
