// Package telemetry aggregates per-frame flush timings into fixed windows
// and writes them as CSV.
package telemetry

import (
	"time"

	"sightline.ai/internal/perception/flags"
)

// PerfWindow is one CSV row: totals over Frames consecutive frame ticks.
type PerfWindow struct {
	Scene      string  `csv:"scene"`
	EndFrame   uint64  `csv:"end_frame"`
	Frames     int     `csv:"frames"`
	Flushes    int     `csv:"flushes"`
	Actions    int     `csv:"actions"`
	Failures   int     `csv:"failures"`
	Computed   int     `csv:"sources_computed"`
	Stale      int     `csv:"stale_discarded"`
	AvgFlushUS float64 `csv:"avg_flush_us"`
	MaxFlushUS int64   `csv:"max_flush_us"`
}

// Collector counts frames until a window fills. Owned by one goroutine.
type Collector struct {
	scene  string
	window int

	cur   PerfWindow
	total time.Duration
	max   time.Duration
}

// NewCollector creates a collector; window is the number of frames per row.
func NewCollector(scene string, window int) *Collector {
	if window < 1 {
		window = 60
	}
	return &Collector{scene: scene, window: window}
}

// Computed records source recomputations finished this frame and results
// dropped because their source moved on.
func (c *Collector) Computed(n, stale int) {
	c.cur.Computed += n
	c.cur.Stale += stale
}

// Frame records one tick. It returns the finished window when this tick
// fills it.
func (c *Collector) Frame(rep flags.FlushReport) (PerfWindow, bool) {
	c.cur.Frames++
	c.cur.EndFrame = rep.Frame
	if len(rep.Actions) > 0 {
		c.cur.Flushes++
		c.cur.Actions += len(rep.Actions)
		c.cur.Failures += len(rep.Failed)
		c.total += rep.Duration
		if rep.Duration > c.max {
			c.max = rep.Duration
		}
	}
	if c.cur.Frames < c.window {
		return PerfWindow{}, false
	}
	out := c.cur
	out.Scene = c.scene
	if out.Flushes > 0 {
		out.AvgFlushUS = float64(c.total.Microseconds()) / float64(out.Flushes)
	}
	out.MaxFlushUS = c.max.Microseconds()
	c.cur = PerfWindow{}
	c.total, c.max = 0, 0
	return out, true
}
