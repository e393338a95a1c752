package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/gorm"

	"pricing-desktop/internal/api"
	"pricing-desktop/internal/events"
	"pricing-desktop/internal/jobs"
	"pricing-desktop/internal/models"
)

// ErrNotTracked is returned for a job id that is not the currently tracked job
var ErrNotTracked = errors.New("job is not being tracked")

// Service drives the upload -> process -> poll flow and keeps the local run history
type Service struct {
	ctx      context.Context
	db       *gorm.DB
	backend  Backend
	emitter  events.Emitter
	pollOpts []jobs.Option

	mu         sync.Mutex
	current    *tracked
	lastUpload []string
}

// tracked is the single job followed on behalf of the UI
type tracked struct {
	runID      string
	jobID      string
	filesCount int
	handle     *jobs.Handle
}

// NewService creates a new processing service
func NewService(ctx context.Context, db *gorm.DB, backend Backend, emitter events.Emitter, pollOpts ...jobs.Option) *Service {
	return &Service{
		ctx:      ctx,
		db:       db,
		backend:  backend,
		emitter:  emitter,
		pollOpts: pollOpts,
	}
}

// Upload validates the given invoice files and sends them to the backend inbox
func (s *Service) Upload(paths []string) (*api.UploadResult, error) {
	if err := ValidateUploadPaths(paths); err != nil {
		return nil, err
	}

	files := make([]api.UploadFile, 0, len(paths))
	for _, p := range paths {
		data, err := ReadPDF(p)
		if err != nil {
			return nil, err
		}
		files = append(files, api.UploadFile{Name: filepath.Base(p), Content: data})
	}

	result, err := s.backend.Upload(s.ctx, files)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}

	names := make([]string, 0, len(result.Uploaded))
	for _, f := range result.Uploaded {
		names = append(names, f.Filename)
	}

	s.mu.Lock()
	s.lastUpload = append(s.lastUpload, names...)
	s.mu.Unlock()

	for _, e := range result.Errors {
		log.Printf("WARNING: Upload: %s", e)
	}
	log.Printf("Uploaded %d file(s)", len(names))
	return result, nil
}

// StartProcessing asks the backend to process the inbox and starts tracking
// the new job. Any previously tracked job is discarded.
func (s *Service) StartProcessing() (*Run, error) {
	resp, err := s.backend.StartProcessing(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start processing: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.discardLocked(models.RunStatusCancelled, "Superseded by a new run")

	files := s.lastUpload
	s.lastUpload = nil
	filesJSON, _ := json.Marshal(files)

	run := &models.ProcessingRun{
		Status:     models.RunStatusPending,
		FilesCount: resp.FilesCount,
		Files:      string(filesJSON),
		Message:    "Job queued",
		StartedAt:  time.Now(),
	}
	if err := s.db.Create(run).Error; err != nil {
		// History is best effort; the backend job is already running
		log.Printf("WARNING: Failed to record processing run: %v", err)
	}

	t := &tracked{runID: run.ID, jobID: resp.JobID, filesCount: resp.FilesCount}

	opts := make([]jobs.Option, 0, len(s.pollOpts)+1)
	opts = append(opts, s.pollOpts...)
	opts = append(opts, jobs.WithUpdateFunc(func(u jobs.Update) { s.onUpdate(t, u) }))

	t.handle = jobs.NewPoller(s.backend, opts...).BeginTracking(s.ctx, resp.JobID)
	s.current = t

	log.Printf("[%s] Processing started: %d file(s)", run.ID, resp.FilesCount)
	return &Run{RunID: run.ID, JobID: resp.JobID, FilesCount: resp.FilesCount, Handle: t.handle}, nil
}

// onUpdate runs on the poller goroutine after every tick
func (s *Service) onUpdate(t *tracked, u jobs.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Updates racing a cancel are dropped
	if t.handle.Cancelled() {
		return
	}

	if u.Err != nil {
		log.Printf("WARNING: [%s] Status request %d failed: %v", t.runID, u.Tick, u.Err)
	} else {
		s.persist(t.runID, u.Job)
		if u.Job.Status.IsTerminal() {
			log.Printf("[%s] Processing %s: %s", t.runID, u.Job.Status, u.Job.Message)
		}
	}

	job, ok := t.handle.Snapshot()
	if !ok {
		job = u.Job
	}
	s.emitter.Emit(events.JobEvent(t.jobID), s.view(t, job, u.Err))
}

func (s *Service) persist(runID string, job jobs.Job) {
	updates := map[string]interface{}{
		"status":   string(job.Status),
		"progress": int(math.Round(job.Progress * 100)),
		"message":  job.Message,
	}
	if results, ok := job.CompletedResults(); ok {
		updates["results"] = string(results)
	}
	if job.Status.IsTerminal() {
		updates["finished_at"] = time.Now()
	}

	if err := s.db.Model(&models.ProcessingRun{}).Where("id = ?", runID).Updates(updates).Error; err != nil {
		log.Printf("WARNING: [%s] Failed to update run: %v", runID, err)
	}
}

func (s *Service) view(t *tracked, job jobs.Job, lastErr error) *JobView {
	v := &JobView{
		JobID:      t.jobID,
		RunID:      t.runID,
		Status:     job.Status,
		Progress:   job.Progress,
		Message:    job.Message,
		FilesCount: t.filesCount,
		Stale:      lastErr != nil,
	}
	if v.Status == "" {
		v.Status = jobs.StatusPending
	}
	if results, ok := job.CompletedResults(); ok {
		v.Results = results
	}
	if lastErr != nil {
		v.Error = lastErr.Error()
	}

	select {
	case <-t.handle.Done():
	default:
		v.Tracking = true
	}
	return v
}

// GetJob returns the latest known state of the tracked job
func (s *Service) GetJob(jobID string) (*JobView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.current
	if t == nil || t.jobID != jobID {
		return nil, fmt.Errorf("%w: %s", ErrNotTracked, jobID)
	}

	job, _ := t.handle.Snapshot()
	return s.view(t, job, t.handle.LastError()), nil
}

// Current returns the tracked job, ErrNotTracked when there is none
func (s *Service) Current() (*JobView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return nil, ErrNotTracked
	}
	job, _ := s.current.handle.Snapshot()
	return s.view(s.current, job, s.current.handle.LastError()), nil
}

// CancelTracking stops following the current job. The backend job itself is
// not affected. Safe to call repeatedly.
func (s *Service) CancelTracking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discardLocked(models.RunStatusCancelled, "Tracking cancelled")
}

// Close abandons the tracked job; used at application shutdown
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discardLocked(models.RunStatusAbandoned, "Interrupted by application exit")
}

func (s *Service) discardLocked(status, message string) {
	t := s.current
	if t == nil {
		return
	}
	s.current = nil
	t.handle.Cancel()

	if job, ok := t.handle.Snapshot(); ok && job.Status.IsTerminal() {
		return
	}

	err := s.db.Model(&models.ProcessingRun{}).
		Where("id = ? AND status IN ?", t.runID, models.OpenRunStatuses).
		Updates(map[string]interface{}{
			"status":      status,
			"message":     message,
			"finished_at": time.Now(),
		}).Error
	if err != nil {
		log.Printf("WARNING: [%s] Failed to mark run %s: %v", t.runID, status, err)
		return
	}
	log.Printf("[%s] %s", t.runID, message)
}

// MarkAbandoned closes runs left unfinished by a previous session. Jobs are
// never resumed across restarts.
func (s *Service) MarkAbandoned() (int64, error) {
	result := s.db.Model(&models.ProcessingRun{}).
		Where("status IN ?", models.OpenRunStatuses).
		Updates(map[string]interface{}{
			"status":      models.RunStatusAbandoned,
			"message":     "Interrupted by application exit",
			"finished_at": time.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark abandoned runs: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		log.Printf("Marked %d unfinished run(s) as abandoned", result.RowsAffected)
	}
	return result.RowsAffected, nil
}

// ListRuns returns the most recent runs, newest first
func (s *Service) ListRuns(limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	var runs []models.ProcessingRun
	if err := s.db.Order("started_at DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	out := make([]RunSummary, len(runs))
	for i, r := range runs {
		out[i] = RunSummary{
			ID:         r.ID,
			Status:     r.Status,
			Progress:   r.Progress,
			FilesCount: r.FilesCount,
			Files:      unmarshalFiles(r.Files),
			Message:    r.Message,
			StartedAt:  r.StartedAt,
			FinishedAt: r.FinishedAt,
		}
	}
	return out, nil
}

// unmarshalFiles converts the stored JSON array to a string slice
func unmarshalFiles(filesJSON string) []string {
	if filesJSON == "" {
		return []string{}
	}
	var files []string
	if err := json.Unmarshal([]byte(filesJSON), &files); err != nil || files == nil {
		return []string{}
	}
	return files
}
