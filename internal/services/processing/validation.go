package processing

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// MaxFileSize matches the backend's upload limit
	MaxFileSize = 50 << 20
	// MaxFiles bounds a single upload batch
	MaxFiles = 100
)

var pdfMagic = []byte("%PDF-")

// ValidationError represents a validation error with field context
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateUploadPaths checks the batch before anything is read
func ValidateUploadPaths(paths []string) error {
	if len(paths) == 0 {
		return &ValidationError{"files", "at least one file required"}
	}
	if len(paths) > MaxFiles {
		return &ValidationError{"files", fmt.Sprintf("maximum %d files allowed", MaxFiles)}
	}

	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		name := filepath.Base(p)
		if !strings.EqualFold(filepath.Ext(name), ".pdf") {
			return &ValidationError{name, "only PDF files are accepted"}
		}
		if seen[name] {
			return &ValidationError{name, "duplicate file name in batch"}
		}
		seen[name] = true
	}
	return nil
}

// ReadPDF loads path after checking its size and PDF signature
func ReadPDF(path string) ([]byte, error) {
	name := filepath.Base(path)

	info, err := os.Stat(path)
	if err != nil {
		return nil, &ValidationError{name, fmt.Sprintf("cannot read file: %v", err)}
	}
	if info.IsDir() {
		return nil, &ValidationError{name, "is a directory"}
	}
	if info.Size() == 0 {
		return nil, &ValidationError{name, "file is empty"}
	}
	if info.Size() > MaxFileSize {
		return nil, &ValidationError{name, fmt.Sprintf("file exceeds %d MB", MaxFileSize>>20)}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &ValidationError{name, fmt.Sprintf("cannot read file: %v", err)}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if !IsPDF(data) {
		return nil, &ValidationError{name, "content is not a PDF document"}
	}
	return data, nil
}

// IsPDF sniffs the PDF header, allowing leading whitespace some generators emit
func IsPDF(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	return bytes.HasPrefix(bytes.TrimLeft(head, " \t\r\n\x00\xef\xbb\xbf"), pdfMagic)
}
