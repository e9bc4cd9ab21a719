package report

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/scheduler"
)

// Status is the document written by StatusFile.
type Status struct {
	Status   string      `json:"status"`
	Finished string      `json:"finished"`
	Jobs     []JobStatus `json:"jobs"`
}

// StatusFile writes the run summary as JSON once the run finishes.
type StatusFile struct {
	Path   string
	Logger *slog.Logger
}

var _ scheduler.Observer = (*StatusFile)(nil)

func (s *StatusFile) JobStarted(scheduler.Event)  {}
func (s *StatusFile) JobFinished(scheduler.Event) {}

func (s *StatusFile) RunFinished(r scheduler.Report) {
	if err := s.Write(r); err != nil {
		logging.Ensure(s.Logger).Warn("failed to write status file", "path", s.Path, "error", err)
	}
}

// Write renders r to Path, replacing any previous file.
func (s *StatusFile) Write(r scheduler.Report) error {
	doc := Status{
		Status:   r.Status.String(),
		Finished: time.Now().UTC().Format(timeLayout),
	}
	for _, res := range r.Results() {
		doc.Jobs = append(doc.Jobs, statusFromResult(res))
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}
	tmp := s.Path + ".partial"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return os.Rename(tmp, s.Path)
}

// ReadStatus loads a status file.
func ReadStatus(path string) (Status, error) {
	var doc Status
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("decode %s: %w", path, err)
	}
	return doc, nil
}
