package processing

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"pricing-desktop/internal/api"
	"pricing-desktop/internal/database"
	"pricing-desktop/internal/events"
	"pricing-desktop/internal/jobs"
	"pricing-desktop/internal/models"
)

// fakeBackend serves scripted job statuses; once the script runs out the last entry repeats
type fakeBackend struct {
	mu       sync.Mutex
	uploaded []api.UploadFile
	nextJob  int
	scripts  map[string][]jobs.Job
	errs     map[string][]error
	calls    map[string]int
	startErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		scripts: make(map[string][]jobs.Job),
		errs:    make(map[string][]error),
		calls:   make(map[string]int),
	}
}

func (f *fakeBackend) script(jobID string, states ...jobs.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[jobID] = states
}

func (f *fakeBackend) Upload(ctx context.Context, files []api.UploadFile) (*api.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded = append(f.uploaded, files...)

	res := &api.UploadResult{Success: true, Total: len(files)}
	for _, file := range files {
		res.Uploaded = append(res.Uploaded, api.UploadedFile{Filename: file.Name, Size: int64(len(file.Content))})
	}
	return res, nil
}

func (f *fakeBackend) StartProcessing(ctx context.Context) (*api.ProcessResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.nextJob++
	id := "job-" + string(rune('0'+f.nextJob))
	return &api.ProcessResponse{JobID: id, Status: "pending", FilesCount: len(f.uploaded)}, nil
}

func (f *fakeBackend) JobStatus(ctx context.Context, jobID string) (*jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.calls[jobID]
	f.calls[jobID]++

	if errs := f.errs[jobID]; n < len(errs) && errs[n] != nil {
		return nil, errs[n]
	}

	states := f.scripts[jobID]
	if len(states) == 0 {
		return &jobs.Job{ID: jobID, Status: jobs.StatusProcessing, Progress: 0.1}, nil
	}
	if n >= len(states) {
		n = len(states) - 1
	}
	job := states[n]
	return &job, nil
}

func setupService(t *testing.T) (*Service, *fakeBackend, *events.Recorder, *gorm.DB) {
	t.Helper()

	db, err := database.Init(database.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })

	backend := newFakeBackend()
	rec := &events.Recorder{}
	svc := NewService(context.Background(), db, backend, rec, jobs.WithInterval(5*time.Millisecond))
	t.Cleanup(svc.CancelTracking)
	return svc, backend, rec, db
}

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func loadRun(t *testing.T, db *gorm.DB, id string) models.ProcessingRun {
	t.Helper()
	var run models.ProcessingRun
	require.NoError(t, db.First(&run, "id = ?", id).Error)
	return run
}

func TestUpload(t *testing.T) {
	t.Run("Should send valid PDFs and remember their names for the next run", func(t *testing.T) {
		svc, backend, _, db := setupService(t)
		dir := t.TempDir()
		a := writeFile(t, dir, "a.pdf", []byte("%PDF-1.7 invoice a"))
		b := writeFile(t, dir, "b.PDF", []byte("%PDF-1.4 invoice b"))

		res, err := svc.Upload([]string{a, b})
		require.NoError(t, err)
		assert.Len(t, res.Uploaded, 2)
		assert.Len(t, backend.uploaded, 2)
		assert.Equal(t, "a.pdf", backend.uploaded[0].Name)

		run, err := svc.StartProcessing()
		require.NoError(t, err)
		stored := loadRun(t, db, run.RunID)
		assert.JSONEq(t, `["a.pdf","b.PDF"]`, stored.Files)
	})

	t.Run("Should reject non-PDF files before calling the backend", func(t *testing.T) {
		svc, backend, _, _ := setupService(t)
		dir := t.TempDir()
		txt := writeFile(t, dir, "notes.txt", []byte("hello"))
		fake := writeFile(t, dir, "fake.pdf", []byte("GIF89a"))

		_, err := svc.Upload([]string{txt})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "notes.txt", verr.Field)

		_, err = svc.Upload([]string{fake})
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Message, "not a PDF")

		assert.Empty(t, backend.uploaded)
	})
}

func TestStartProcessing(t *testing.T) {
	t.Run("Should track the job to completion and record the run", func(t *testing.T) {
		svc, backend, rec, db := setupService(t)
		backend.script("job-1",
			jobs.Job{Status: jobs.StatusProcessing, Progress: 0.25, Message: "Extracting"},
			jobs.Job{Status: jobs.StatusProcessing, Progress: 0.75, Message: "Pricing"},
			jobs.Job{Status: jobs.StatusCompleted, Progress: 1, Message: "Done", Results: json.RawMessage(`{"invoices":3}`)},
		)

		run, err := svc.StartProcessing()
		require.NoError(t, err)
		assert.Equal(t, "job-1", run.JobID)

		job, err := run.Handle.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusCompleted, job.Status)

		stored := loadRun(t, db, run.RunID)
		assert.Equal(t, models.RunStatusCompleted, stored.Status)
		assert.Equal(t, 100, stored.Progress)
		assert.JSONEq(t, `{"invoices":3}`, stored.Results)
		assert.NotNil(t, stored.FinishedAt)

		payloads := rec.Named(events.JobEvent("job-1"))
		require.Len(t, payloads, 3)
		last := payloads[2].(*JobView)
		assert.Equal(t, jobs.StatusCompleted, last.Status)
		assert.JSONEq(t, `{"invoices":3}`, string(last.Results))
		assert.Nil(t, payloads[0].(*JobView).Results, "results only appear once completed")

		view, err := svc.GetJob("job-1")
		require.NoError(t, err)
		assert.False(t, view.Tracking)
		assert.Equal(t, run.RunID, view.RunID)
	})

	t.Run("Should record a failed job without results", func(t *testing.T) {
		svc, backend, _, db := setupService(t)
		backend.script("job-1",
			jobs.Job{Status: jobs.StatusFailed, Progress: 0.4, Message: "Extraction failed", Results: json.RawMessage(`{"error":"bad key"}`)},
		)

		run, err := svc.StartProcessing()
		require.NoError(t, err)

		_, err = run.Handle.Wait(context.Background())
		assert.ErrorIs(t, err, jobs.ErrJobFailed)

		stored := loadRun(t, db, run.RunID)
		assert.Equal(t, models.RunStatusFailed, stored.Status)
		assert.Empty(t, stored.Results)

		view, err := svc.GetJob(run.JobID)
		require.NoError(t, err)
		assert.Nil(t, view.Results)
	})

	t.Run("Should keep the last snapshot and flag it stale on transport errors", func(t *testing.T) {
		svc, backend, rec, _ := setupService(t)
		backend.script("job-1",
			jobs.Job{Status: jobs.StatusProcessing, Progress: 0.5, Message: "Halfway"},
			jobs.Job{Status: jobs.StatusProcessing, Progress: 0.5, Message: "Halfway"},
			jobs.Job{Status: jobs.StatusCompleted, Progress: 1},
		)
		backend.errs["job-1"] = []error{nil, errors.New("connection refused")}

		run, err := svc.StartProcessing()
		require.NoError(t, err)
		_, err = run.Handle.Wait(context.Background())
		require.NoError(t, err)

		payloads := rec.Named(events.JobEvent("job-1"))
		require.GreaterOrEqual(t, len(payloads), 2)
		stale := payloads[1].(*JobView)
		assert.True(t, stale.Stale)
		assert.Equal(t, 0.5, stale.Progress)
		assert.Equal(t, "Halfway", stale.Message)
		assert.Contains(t, stale.Error, "connection refused")
	})

	t.Run("Should discard the previously tracked job", func(t *testing.T) {
		svc, _, _, db := setupService(t)

		first, err := svc.StartProcessing()
		require.NoError(t, err)
		second, err := svc.StartProcessing()
		require.NoError(t, err)

		assert.True(t, first.Handle.Cancelled())
		<-first.Handle.Done()

		assert.Equal(t, models.RunStatusCancelled, loadRun(t, db, first.RunID).Status)

		_, err = svc.GetJob(first.JobID)
		assert.ErrorIs(t, err, ErrNotTracked)
		view, err := svc.GetJob(second.JobID)
		require.NoError(t, err)
		assert.True(t, view.Tracking)
	})

	t.Run("Should surface backend errors", func(t *testing.T) {
		svc, backend, _, _ := setupService(t)
		backend.startErr = &api.APIError{StatusCode: 400, Detail: "No PDF files in inbox"}

		_, err := svc.StartProcessing()
		assert.ErrorContains(t, err, "No PDF files in inbox")
	})
}

func TestCancelTracking(t *testing.T) {
	t.Run("Should stop polling and be safe to repeat", func(t *testing.T) {
		svc, backend, _, db := setupService(t)

		run, err := svc.StartProcessing()
		require.NoError(t, err)

		svc.CancelTracking()
		svc.CancelTracking()

		select {
		case <-run.Handle.Done():
		case <-time.After(time.Second):
			t.Fatal("poller did not stop")
		}

		backend.mu.Lock()
		calls := backend.calls[run.JobID]
		backend.mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		backend.mu.Lock()
		assert.Equal(t, calls, backend.calls[run.JobID], "no requests after cancel")
		backend.mu.Unlock()

		assert.Equal(t, models.RunStatusCancelled, loadRun(t, db, run.RunID).Status)

		_, err = svc.Current()
		assert.ErrorIs(t, err, ErrNotTracked)
	})

	t.Run("Should leave a finished run untouched", func(t *testing.T) {
		svc, backend, _, db := setupService(t)
		backend.script("job-1", jobs.Job{Status: jobs.StatusCompleted, Progress: 1})

		run, err := svc.StartProcessing()
		require.NoError(t, err)
		_, err = run.Handle.Wait(context.Background())
		require.NoError(t, err)

		svc.CancelTracking()
		assert.Equal(t, models.RunStatusCompleted, loadRun(t, db, run.RunID).Status)
	})
}

func TestMarkAbandoned(t *testing.T) {
	t.Run("Should close runs left unfinished by a previous session", func(t *testing.T) {
		svc, _, _, db := setupService(t)

		open := models.ProcessingRun{Status: models.RunStatusProcessing, StartedAt: time.Now()}
		queued := models.ProcessingRun{Status: models.RunStatusPending, StartedAt: time.Now()}
		done := models.ProcessingRun{Status: models.RunStatusCompleted, StartedAt: time.Now()}
		require.NoError(t, db.Create(&open).Error)
		require.NoError(t, db.Create(&queued).Error)
		require.NoError(t, db.Create(&done).Error)

		n, err := svc.MarkAbandoned()
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		assert.Equal(t, models.RunStatusAbandoned, loadRun(t, db, open.ID).Status)
		assert.Equal(t, models.RunStatusAbandoned, loadRun(t, db, queued.ID).Status)
		assert.Equal(t, models.RunStatusCompleted, loadRun(t, db, done.ID).Status)
	})
}

func TestListRuns(t *testing.T) {
	t.Run("Should return newest runs first with decoded file names", func(t *testing.T) {
		svc, _, _, db := setupService(t)

		older := models.ProcessingRun{Status: models.RunStatusCompleted, Files: `["a.pdf"]`, StartedAt: time.Now().Add(-time.Hour)}
		newer := models.ProcessingRun{Status: models.RunStatusFailed, StartedAt: time.Now()}
		require.NoError(t, db.Create(&older).Error)
		require.NoError(t, db.Create(&newer).Error)

		runs, err := svc.ListRuns(10)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, newer.ID, runs[0].ID)
		assert.Equal(t, []string{}, runs[0].Files)
		assert.Equal(t, []string{"a.pdf"}, runs[1].Files)

		runs, err = svc.ListRuns(1)
		require.NoError(t, err)
		assert.Len(t, runs, 1)
	})
}
