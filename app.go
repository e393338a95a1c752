package main

import (
	"context"
	"errors"
	"log"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"pricing-desktop/internal/api"
	"pricing-desktop/internal/backend"
	"pricing-desktop/internal/config"
	"pricing-desktop/internal/events"
	"pricing-desktop/internal/lifecycle"
	"pricing-desktop/internal/services/monitor"
	"pricing-desktop/internal/services/processing"
)

// App struct - main application state
type App struct {
	ctx  context.Context
	cfg  *config.Settings
	ctrl *lifecycle.Controller
}

// NewApp creates a new App application struct
func NewApp(cfg *config.Settings) *App {
	return &App{cfg: cfg}
}

// startup is called when the app starts. The window stays hidden until the
// backend answers health checks.
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	log.Println("Application starting up...")

	a.ctrl = lifecycle.New(a.cfg, lifecycle.WithEmitter(events.NewWailsEmitter(ctx)))
	if err := a.ctrl.Open(ctx); err != nil {
		a.fatal("Application failed to start", err)
		return
	}

	go a.launchBackend()
}

func (a *App) launchBackend() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: backend launch panicked: %v", r)
			runtime.Quit(a.ctx)
		}
	}()

	if err := a.ctrl.StartBackend(a.ctx); err != nil {
		if errors.Is(err, backend.ErrStartAborted) {
			return
		}
		a.fatal("Backend failed to start", err)
		return
	}

	runtime.WindowShow(a.ctx)
	log.Println("Startup complete")
}

// fatal shows the failure to the user and quits
func (a *App) fatal(title string, err error) {
	log.Printf("ERROR: %v", err)

	message := err.Error()
	var startupErr *backend.StartupError
	if errors.As(err, &startupErr) {
		message = startupErr.UserMessage()
	}

	_, dialogErr := runtime.MessageDialog(a.ctx, runtime.MessageDialogOptions{
		Type:    runtime.ErrorDialog,
		Title:   title,
		Message: message,
	})
	if dialogErr != nil {
		log.Printf("WARNING: Failed to show error dialog: %v", dialogErr)
	}
	runtime.Quit(a.ctx)
}

// shutdown is called when the app is closing
func (a *App) shutdown(ctx context.Context) {
	log.Println("Application shutting down...")
	if a.ctrl != nil {
		a.ctrl.Shutdown()
	}
}

// ====================================================================================
// WAILS-BOUND METHODS - Exposed to Frontend
// ====================================================================================

// Processing Methods

// Upload sends the given invoice PDFs to the backend inbox
func (a *App) Upload(paths []string) (*api.UploadResult, error) {
	return a.ctrl.Processing.Upload(paths)
}

// StartProcessing starts a processing job and returns its id. Progress
// arrives as job:<id> events.
func (a *App) StartProcessing() (string, error) {
	run, err := a.ctrl.Processing.StartProcessing()
	if err != nil {
		return "", err
	}
	return run.JobID, nil
}

// GetJob returns the latest known state of the tracked job
func (a *App) GetJob(jobID string) (*processing.JobView, error) {
	return a.ctrl.Processing.GetJob(jobID)
}

// CurrentJob returns the tracked job, if any
func (a *App) CurrentJob() (*processing.JobView, error) {
	return a.ctrl.Processing.Current()
}

// CancelTracking stops following the current job
func (a *App) CancelTracking() {
	a.ctrl.Processing.CancelTracking()
}

// ListRuns returns the local processing history
func (a *App) ListRuns(limit int) ([]processing.RunSummary, error) {
	return a.ctrl.Processing.ListRuns(limit)
}

// Settings Methods

// GetConfig returns the backend configuration with the service key masked
func (a *App) GetConfig() (*api.BackendConfig, error) {
	return a.ctrl.Settings.GetConfig()
}

// UpdateConfig validates and applies a partial configuration update
func (a *App) UpdateConfig(update api.ConfigUpdate) error {
	return a.ctrl.Settings.UpdateConfig(update)
}

// RestoreServiceKey re-sends the locally stored service key
func (a *App) RestoreServiceKey() error {
	return a.ctrl.Settings.RestoreKey()
}

// Dashboard Methods

// DashboardStats returns the dashboard figures
func (a *App) DashboardStats() (*api.DashboardStats, error) {
	return a.ctrl.Client().DashboardStats(a.ctx)
}

// VarianceSummary returns the variance overview
func (a *App) VarianceSummary() (*api.VarianceSummary, error) {
	return a.ctrl.Client().VarianceSummary(a.ctx)
}

// ProcessedFiles lists the generated output files
func (a *App) ProcessedFiles() ([]api.ProcessedFile, error) {
	return a.ctrl.Client().ProcessedFiles(a.ctx)
}

// Backend Methods

// BackendStatus returns the last published backend status
func (a *App) BackendStatus() monitor.BackendStatus {
	return a.ctrl.Monitor.Status()
}

// ListLaunches returns the backend launch history
func (a *App) ListLaunches(limit int) ([]monitor.LaunchListResponse, error) {
	return a.ctrl.Monitor.ListLaunches(limit)
}

// GetLogPath returns the backend diagnostic log location
func (a *App) GetLogPath() string {
	return a.ctrl.Supervisor().LogPath()
}
