package tools

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
)

// ProgressReportFile is the artifact written by generate_progress_report.
const ProgressReportFile = "progress_report.csv"

// progressHeader is the fixed CSV column order.
var progressHeader = []string{"Exercise", "Value"}

// sampleProgress is the fixed metrics table.
var sampleProgress = [][2]string{
	{"Push-ups", "25"},
	{"Leg Raises", "7"},
	{"Cardio", "45 min"},
	{"Squats", "20"},
	{"Pull-ups", "8"},
	{"Plank", "60 sec"},
}

func handleProgressReport(_ context.Context, dir string, _ map[string]any) (res *Result, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(dir, ProgressReportFile)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create progress report: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			res, err = nil, fmt.Errorf("close progress report: %w", cerr)
		}
	}()

	w := csv.NewWriter(f)
	if err := w.Write(progressHeader); err != nil {
		return nil, fmt.Errorf("write progress report: %w", err)
	}
	for _, row := range sampleProgress {
		if err := w.Write(row[:]); err != nil {
			return nil, fmt.Errorf("write progress report: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("write progress report: %w", err)
	}

	return &Result{
		Status:       StatusSuccess,
		Summary:      fmt.Sprintf("Progress report generated successfully and saved to %s (%d records)", path, len(sampleProgress)),
		ArtifactPath: path,
		Records:      len(sampleProgress),
	}, nil
}
