package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricing-desktop/internal/jobs"
)

func TestHealth(t *testing.T) {
	t.Run("Should succeed on HTTP 200", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/health", r.URL.Path)
			w.Write([]byte(`{"status":"healthy"}`))
		}))
		defer srv.Close()

		assert.NoError(t, NewClient(srv.URL).Health(context.Background()))
	})

	t.Run("Should fail on non-200 without retrying", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		err := NewClient(srv.URL).Health(context.Background())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("Should give up after the probe timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer srv.Close()

		start := time.Now()
		err := NewClient(srv.URL, WithProbeTimeout(100*time.Millisecond)).Health(context.Background())
		assert.Error(t, err)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("Should fail when nothing listens", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		assert.Error(t, NewClient(url).Health(context.Background()))
	})
}

func TestJobStatus(t *testing.T) {
	t.Run("Should decode the status payload", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/status/abc-123", r.URL.Path)
			w.Write([]byte(`{"status":"completed","progress":1.0,"message":"Processing complete!","results":{"success":true},"created_at":"2026-10-19T10:00:00"}`))
		}))
		defer srv.Close()

		job, err := NewClient(srv.URL).JobStatus(context.Background(), "abc-123")
		require.NoError(t, err)
		assert.Equal(t, "abc-123", job.ID)
		assert.Equal(t, jobs.StatusCompleted, job.Status)
		assert.Equal(t, 1.0, job.Progress)
		assert.JSONEq(t, `{"success":true}`, string(job.Results))
	})

	t.Run("Should map 404 to ErrJobNotFound", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"detail":"Job not found"}`))
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL).JobStatus(context.Background(), "missing")
		assert.True(t, errors.Is(err, ErrJobNotFound))
	})
}

func TestUploadAndProcess(t *testing.T) {
	t.Run("Should send every file under the files field", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/upload", r.URL.Path)
			require.NoError(t, r.ParseMultipartForm(1<<20))

			files := r.MultipartForm.File["files"]
			require.Len(t, files, 2)
			assert.Equal(t, "a.pdf", files[0].Filename)
			assert.Equal(t, "b.pdf", files[1].Filename)

			f, err := files[0].Open()
			require.NoError(t, err)
			body, _ := io.ReadAll(f)
			assert.Equal(t, "%PDF-1.4 a", string(body))

			json.NewEncoder(w).Encode(UploadResult{
				Success:  true,
				Uploaded: []UploadedFile{{Filename: "a.pdf", Size: 10}, {Filename: "b.pdf", Size: 10}},
				Total:    2,
			})
		}))
		defer srv.Close()

		result, err := NewClient(srv.URL).Upload(context.Background(), []UploadFile{
			{Name: "a.pdf", Content: []byte("%PDF-1.4 a")},
			{Name: "b.pdf", Content: []byte("%PDF-1.4 b")},
		})
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, 2, result.Total)
	})

	t.Run("Should surface the backend detail when there is nothing to process", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"detail":"No PDF files found to process"}`))
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL).StartProcessing(context.Background())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "No PDF files found to process", apiErr.Detail)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("Should return the job id", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			w.Write([]byte(`{"job_id":"job-9","status":"started","files_count":3}`))
		}))
		defer srv.Close()

		resp, err := NewClient(srv.URL).StartProcessing(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "job-9", resp.JobID)
		assert.Equal(t, 3, resp.FilesCount)
	})
}

func TestConfigEndpoints(t *testing.T) {
	t.Run("Should round-trip config reads and partial updates", func(t *testing.T) {
		var received ConfigUpdate
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/config":
				w.Write([]byte(`{"azure":{"endpoint":"https://x.cognitiveservices.azure.com/","key":"********abcd"},"google_sheets":{"sheet_id":"s1","sheet_name":"Pricing Data"},"variance_thresholds":{"green":5,"yellow":10}}`))
			case "/config/update":
				require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
				w.Write([]byte(`{"success":true,"message":"Configuration updated successfully"}`))
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}))
		defer srv.Close()

		client := NewClient(srv.URL)
		cfg, err := client.GetConfig(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "********abcd", cfg.Azure.Key)
		assert.Equal(t, 10.0, cfg.VarianceThresholds["yellow"])

		err = client.UpdateConfig(context.Background(), ConfigUpdate{
			VarianceThresholds: map[string]float64{"green": 3},
		})
		require.NoError(t, err)
		assert.Equal(t, 3.0, received.VarianceThresholds["green"])
		assert.Nil(t, received.Azure, "Empty sections must be omitted")
	})
}
