package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"pricing-desktop/internal/backend"
	"pricing-desktop/internal/events"
	"pricing-desktop/internal/models"
)

// Service keeps the front-end informed about backend liveness and dashboard
// figures, and records every supervised launch.
type Service struct {
	db        *gorm.DB
	ctx       context.Context
	cron      *cron.Cron
	emitter   events.Emitter
	health    HealthChecker
	dashboard DashboardSource

	healthCron    string
	dashboardCron string
	probeTimeout  time.Duration
	command       string
	logPath       string

	mu      sync.Mutex
	status  BackendStatus
	emitted bool
	gen     uint64 // bumped by every supervisor status change
	entries map[string]cron.EntryID
}

// Option configures the monitor
type Option func(*Service)

// WithSchedules sets the cron expressions for the health and dashboard refreshes.
// Empty disables the refresh.
func WithSchedules(healthCron, dashboardCron string) Option {
	return func(s *Service) {
		s.healthCron = healthCron
		s.dashboardCron = dashboardCron
	}
}

// WithProbeTimeout bounds each scheduled health check
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.probeTimeout = d
		}
	}
}

// WithLaunchInfo sets the command line and log path stored with each launch
func WithLaunchInfo(command, logPath string) Option {
	return func(s *Service) {
		s.command = command
		s.logPath = logPath
	}
}

// NewService creates a new monitor service
func NewService(ctx context.Context, db *gorm.DB, emitter events.Emitter, health HealthChecker, dashboard DashboardSource, opts ...Option) *Service {
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)

	s := &Service{
		db:            db,
		ctx:           ctx,
		cron:          c,
		emitter:       emitter,
		health:        health,
		dashboard:     dashboard,
		healthCron:    "*/5 * * * * *",
		dashboardCron: "*/10 * * * * *",
		probeTimeout:  time.Second,
		status:        BackendStatus{State: backend.StateNotStarted.String()},
		entries:       make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules the refreshes and starts the cron scheduler
func (s *Service) Start() error {
	log.Println("Starting monitor...")

	if err := s.schedule("health", s.healthCron, s.CheckHealth); err != nil {
		return err
	}
	if err := s.schedule("dashboard", s.dashboardCron, s.RefreshDashboard); err != nil {
		return err
	}

	s.cron.Start()
	log.Printf("Monitor started with %d scheduled refreshes", len(s.entries))
	return nil
}

func (s *Service) schedule(name, expr string, fn func()) error {
	if strings.TrimSpace(expr) == "" {
		log.Printf("Monitor: %s refresh disabled", name)
		return nil
	}

	normalized, err := normalizeCron(expr)
	if err != nil {
		return fmt.Errorf("invalid %s schedule: %w", name, err)
	}

	id, err := s.cron.AddFunc(normalized, fn)
	if err != nil {
		return fmt.Errorf("failed to schedule %s refresh: %w", name, err)
	}

	s.mu.Lock()
	s.entries[name] = id
	s.mu.Unlock()
	log.Printf("Scheduled %s refresh with cron: %s", name, normalized)
	return nil
}

// Stop gracefully stops the scheduler, waiting for running refreshes
func (s *Service) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
		log.Println("Monitor stopped")
	}
}

// Status returns the last known backend status
func (s *Service) Status() BackendStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// HandleStatusChange is registered as a supervisor listener. It publishes the
// new state immediately and records the launch.
func (s *Service) HandleStatusChange(change backend.StatusChange) {
	status := BackendStatus{
		Online:    change.Online(),
		State:     change.State.String(),
		CheckedAt: change.At,
	}
	if change.PID > 0 {
		status.PID = change.PID
	}
	if change.Err != nil {
		status.Error = change.Err.Error()
	}

	s.mu.Lock()
	s.status = status
	s.emitted = true
	s.gen++
	s.mu.Unlock()

	s.emitter.Emit(events.BackendStatusChanged, status)

	if err := s.recordLaunch(change); err != nil {
		log.Printf("WARNING: Failed to record backend launch %s: %v", change.InstanceID, err)
	}
}

// CheckHealth probes the backend and emits only when online flips
func (s *Service) CheckHealth() {
	if s.health == nil {
		return
	}

	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.probeTimeout)
	online := s.health.IsHealthy(ctx)
	cancel()

	s.mu.Lock()
	// a supervisor change while probing is newer than this result
	if s.gen != gen || (s.emitted && s.status.Online == online) {
		s.mu.Unlock()
		return
	}
	s.status.Online = online
	s.status.CheckedAt = time.Now()
	s.emitted = true
	status := s.status
	s.mu.Unlock()

	if online {
		log.Println("Backend is online")
	} else {
		log.Println("WARNING: Backend is offline")
	}
	s.emitter.Emit(events.BackendStatusChanged, status)
}

// RefreshDashboard pushes fresh dashboard figures while the backend is online
func (s *Service) RefreshDashboard() {
	if s.dashboard == nil || !s.Status().Online {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	stats, err := s.dashboard.DashboardStats(ctx)
	if err != nil {
		log.Printf("WARNING: Dashboard refresh failed: %v", err)
		return
	}
	s.emitter.Emit(events.DashboardUpdated, stats)
}

// recordLaunch upserts the launch row for the change's instance
func (s *Service) recordLaunch(change backend.StatusChange) error {
	if s.db == nil || change.InstanceID == "" {
		return nil
	}

	var launch models.BackendLaunch
	err := s.db.Where(models.BackendLaunch{ID: change.InstanceID}).
		Attrs(models.BackendLaunch{
			Command:   s.command,
			LogPath:   s.logPath,
			StartedAt: change.At,
		}).
		FirstOrCreate(&launch).Error
	if err != nil {
		return err
	}

	launch.State = change.State.String()
	if change.PID > 0 {
		launch.PID = change.PID
	}
	if change.Attempts > launch.Attempts {
		launch.Attempts = change.Attempts
	}

	at := change.At
	switch change.State {
	case backend.StateReady:
		launch.ReadyAt = &at
	case backend.StateFailed, backend.StateStopped:
		launch.EndedAt = &at
		if change.ExitCode >= 0 || change.Signal != "" {
			code := change.ExitCode
			launch.ExitCode = &code
		}
		launch.Signal = change.Signal
	}

	if change.Err != nil {
		launch.Error = change.Err.Error()
		var startupErr *backend.StartupError
		if errors.As(change.Err, &startupErr) {
			launch.FailureKind = string(startupErr.Kind)
		}
	}

	return s.db.Save(&launch).Error
}

// ListLaunches returns the most recent backend launches, newest first
func (s *Service) ListLaunches(limit int) ([]LaunchListResponse, error) {
	if limit <= 0 {
		limit = 20
	}

	var launches []models.BackendLaunch
	if err := s.db.Order("started_at DESC").Limit(limit).Find(&launches).Error; err != nil {
		return nil, fmt.Errorf("failed to list launches: %w", err)
	}

	responses := make([]LaunchListResponse, len(launches))
	for i := range launches {
		responses[i] = toLaunchListResponse(&launches[i])
	}
	return responses, nil
}

// normalizeCron converts 5-field cron expressions to the 6-field format the
// scheduler runs with. Descriptors such as @every 5s pass through.
func normalizeCron(cronExpr string) (string, error) {
	cronExpr = strings.TrimSpace(cronExpr)

	if strings.HasPrefix(cronExpr, "@") {
		if _, err := cron.ParseStandard(cronExpr); err != nil {
			return "", fmt.Errorf("invalid cron expression: %w", err)
		}
		return cronExpr, nil
	}

	fields := strings.Fields(cronExpr)
	if len(fields) == 6 {
		parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(cronExpr); err == nil {
			return cronExpr, nil
		}
	}

	if len(fields) == 5 {
		if _, err := cron.ParseStandard(cronExpr); err != nil {
			return "", fmt.Errorf("invalid 5-field cron expression: %w", err)
		}
		return "0 " + cronExpr, nil
	}

	return "", fmt.Errorf("invalid cron expression: expected 5 or 6 fields, got %d", len(fields))
}

func toLaunchListResponse(l *models.BackendLaunch) LaunchListResponse {
	resp := LaunchListResponse{
		ID:          l.ID,
		PID:         l.PID,
		Command:     l.Command,
		State:       l.State,
		FailureKind: l.FailureKind,
		Error:       l.Error,
		Attempts:    l.Attempts,
		ExitCode:    l.ExitCode,
		Signal:      l.Signal,
		LogPath:     l.LogPath,
		StartedAt:   l.StartedAt.Format(time.RFC3339),
	}
	if l.ReadyAt != nil {
		ready := l.ReadyAt.Format(time.RFC3339)
		resp.ReadyAt = &ready
	}
	if l.EndedAt != nil {
		ended := l.EndedAt.Format(time.RFC3339)
		resp.EndedAt = &ended
	}
	return resp
}
