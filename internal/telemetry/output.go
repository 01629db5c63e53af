package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gocarina/gocsv"
)

// Output appends perf windows to <dir>/perf.csv. A nil *Output discards.
type Output struct {
	mu            sync.Mutex
	f             *os.File
	headerWritten bool
}

// NewOutput returns nil when dir is empty (output disabled).
func NewOutput(dir string) (*Output, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, "perf.csv"))
	if err != nil {
		return nil, fmt.Errorf("creating perf.csv: %w", err)
	}
	return &Output{f: f}, nil
}

func (o *Output) Write(w PerfWindow) error {
	if o == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	records := []PerfWindow{w}
	if !o.headerWritten {
		if err := gocsv.Marshal(records, o.f); err != nil {
			return fmt.Errorf("writing perf: %w", err)
		}
		o.headerWritten = true
		return nil
	}
	if err := gocsv.MarshalWithoutHeaders(records, o.f); err != nil {
		return fmt.Errorf("writing perf: %w", err)
	}
	return nil
}

func (o *Output) Close() error {
	if o == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.f.Close()
}
