package crashguard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Diagnostic is the final payload an app process hands off before a
// controlled unwind. A hard crash leaves it empty.
type Diagnostic struct {
	Stack string
	Build string
	Notes string
}

// Report records one abnormal app process termination. It is persisted
// independently of both monitored processes so it survives their death.
type Report struct {
	ID         string
	PID        int
	ExitReason string
	Platform   string
	Time       time.Time

	Diagnostic   *Diagnostic `json:",omitempty"`
	MinidumpPath string      `json:",omitempty"`
}

func writeReport(dir string, r *Report) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating report dir: %w", err)
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding crash report: %w", err)
	}
	name := fmt.Sprintf("crash-%s-%s.json", r.Time.UTC().Format("20060102T150405.000"), r.ID)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, b, 0644); err != nil {
		return "", fmt.Errorf("writing crash report: %w", err)
	}
	return path, nil
}

// ReadReports loads every crash report in dir, oldest first.
func ReadReports(dir string) ([]Report, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}
	var reports []Report
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		var r Report
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", p, err)
		}
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Time.Before(reports[j].Time) })
	return reports, nil
}
