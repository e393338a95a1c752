package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/go-resty/resty/v2"
)

// UploadFile is one invoice to send to the backend
type UploadFile struct {
	Name    string
	Content []byte
}

func (f UploadFile) reader() io.Reader {
	return bytes.NewReader(f.Content)
}

// UploadResult mirrors the backend's /upload response
type UploadResult struct {
	Success  bool           `json:"success"`
	Uploaded []UploadedFile `json:"uploaded"`
	Errors   []string       `json:"errors"`
	Total    int            `json:"total"`
}

// UploadedFile describes one file accepted by the backend
type UploadedFile struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Path     string `json:"path"`
}

// ProcessResponse is returned when a processing job is created
type ProcessResponse struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	FilesCount int    `json:"files_count"`
}

// BackendConfig is the backend's config.json as served by GET /config
type BackendConfig struct {
	Azure              AzureConfig        `json:"azure"`
	GoogleSheets       GoogleSheetsConfig `json:"google_sheets"`
	VarianceThresholds map[string]float64 `json:"variance_thresholds"`
	Paths              map[string]string  `json:"paths,omitempty"`
}

// AzureConfig holds the document-extraction service credentials
type AzureConfig struct {
	Endpoint string `json:"endpoint"`
	Key      string `json:"key"`
}

// GoogleSheetsConfig identifies the spreadsheet results are written to
type GoogleSheetsConfig struct {
	SheetID         string `json:"sheet_id"`
	SheetName       string `json:"sheet_name"`
	CredentialsFile string `json:"credentials_file,omitempty"`
	TokenFile       string `json:"token_file,omitempty"`
}

// ConfigUpdate is a partial update; only non-empty sections are merged by the backend
type ConfigUpdate struct {
	Azure              map[string]string  `json:"azure,omitempty"`
	GoogleSheets       map[string]string  `json:"google_sheets,omitempty"`
	VarianceThresholds map[string]float64 `json:"variance_thresholds,omitempty"`
	Paths              map[string]string  `json:"paths,omitempty"`
}

// IsEmpty reports whether the update carries no sections
func (u ConfigUpdate) IsEmpty() bool {
	return len(u.Azure) == 0 && len(u.GoogleSheets) == 0 && len(u.VarianceThresholds) == 0 && len(u.Paths) == 0
}

// VarianceCounts counts rows per variance flag
type VarianceCounts struct {
	Green  int `json:"green"`
	Yellow int `json:"yellow"`
	Red    int `json:"red"`
}

// DashboardStats mirrors GET /dashboard-stats
type DashboardStats struct {
	FilesProcessed int            `json:"files_processed"`
	VarianceAlerts int            `json:"variance_alerts"`
	ImpactCost     float64        `json:"impact_cost"`
	VarianceCounts VarianceCounts `json:"variance_counts"`
}

// VarianceSummary mirrors GET /variance-summary
type VarianceSummary struct {
	TotalItems     int                      `json:"total_items"`
	VarianceCounts VarianceCounts           `json:"variance_counts"`
	RecentData     []map[string]interface{} `json:"recent_data"`
}

// ProcessedFile is one entry of GET /processed-files
type ProcessedFile struct {
	Filename string `json:"filename"`
	Modified string `json:"modified"`
	Size     int64  `json:"size"`
}

// APIError is a non-success HTTP response from the backend
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned HTTP %d: %s", e.StatusCode, e.Detail)
}

// newAPIError extracts FastAPI's {"detail": ...} body when present
func newAPIError(resp *resty.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode()}

	var body struct {
		Detail interface{} `json:"detail"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.Detail != nil {
		switch d := body.Detail.(type) {
		case string:
			apiErr.Detail = d
		default:
			raw, _ := json.Marshal(d)
			apiErr.Detail = string(raw)
		}
		return apiErr
	}

	apiErr.Detail = strings.TrimSpace(resp.String())
	if len(apiErr.Detail) > 200 {
		apiErr.Detail = apiErr.Detail[:200]
	}
	return apiErr
}
