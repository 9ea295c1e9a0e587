// Package probe runs startup checks: filesystem paths the fetchers
// write to, the job store file, and provider credentials. Critical
// failures abort startup; the rest are warnings.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// checkTimeout bounds a single probe.
const checkTimeout = 5 * time.Second

// CheckFunc performs one health check; nil means pass.
type CheckFunc func(ctx context.Context) error

// Probe is a single named startup check.
type Probe struct {
	Name     string
	Check    CheckFunc
	Critical bool // failure prevents startup
}

// Result is the outcome of one probe.
type Result struct {
	Probe    Probe
	Error    error
	Duration time.Duration
}

// Run executes the probes in order and collects their results.
func Run(ctx context.Context, probes []Probe) []Result {
	results := make([]Result, len(probes))
	for i, p := range probes {
		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := p.Check(checkCtx)
		cancel()
		results[i] = Result{Probe: p, Error: err, Duration: time.Since(start)}
	}
	return results
}

// Analyze logs every result and returns a combined error when critical
// probes failed.
func Analyze(results []Result) error {
	var criticalErrors []error

	slog.Info("startup checks")
	for _, r := range results {
		status := "PASS"
		if r.Error != nil {
			status = "FAIL"
		}
		msg := fmt.Sprintf("[%s] %-18s (%v)", status, r.Probe.Name, r.Duration.Round(time.Millisecond))
		if r.Error != nil {
			slog.Error(msg, "error", r.Error, "critical", r.Probe.Critical)
			if r.Probe.Critical {
				criticalErrors = append(criticalErrors, fmt.Errorf("%s: %w", r.Probe.Name, r.Error))
			}
		} else {
			slog.Info(msg)
		}
	}

	return errors.Join(criticalErrors...)
}

// WritableDir probes that dir exists (creating it if needed) and
// accepts writes.
func WritableDir(name, dir string, critical bool) Probe {
	return Probe{
		Name:     name,
		Critical: critical,
		Check: func(ctx context.Context) error {
			if dir == "" {
				return fmt.Errorf("path not configured")
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			marker := filepath.Join(dir, ".etmapd-probe")
			if err := os.WriteFile(marker, []byte("ok"), 0o644); err != nil {
				return err
			}
			return os.Remove(marker)
		},
	}
}

// FileExists probes that a file is present and readable. Used for the
// provider credentials file, which is a warning until the hourly
// fetcher actually needs it.
func FileExists(name, path string, critical bool) Probe {
	return Probe{
		Name:     name,
		Critical: critical,
		Check: func(ctx context.Context) error {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			return f.Close()
		},
	}
}

// Pinger covers database handles.
type Pinger interface {
	Ping() error
}

// Database probes that the job store answers a ping.
func Database(db Pinger) Probe {
	return Probe{
		Name:     "job store",
		Critical: true,
		Check: func(ctx context.Context) error {
			return db.Ping()
		},
	}
}
