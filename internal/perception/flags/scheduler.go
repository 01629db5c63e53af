package flags

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"sightline.ai/internal/logging"
)

type Handler func(ctx context.Context) error

// FlushReport describes one flush.
type FlushReport struct {
	Frame    uint64        `json:"frame"`
	Flags    []string      `json:"flags"`
	Actions  []string      `json:"actions"`
	Failed   []string      `json:"failed,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Scheduler collects raised flags and runs their handlers once per Apply.
// It is owned by a single goroutine.
type Scheduler struct {
	table    *Table
	handlers map[string]Handler
	subs     []func(FlushReport)
	log      logrus.FieldLogger

	pending  map[string]struct{}
	deferred map[string]struct{}
	flushing bool
	frame    uint64
}

func NewScheduler(t *Table, log logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		table:    t,
		handlers: map[string]Handler{},
		log:      logging.OrDiscard(log),
		pending:  map[string]struct{}{},
		deferred: map[string]struct{}{},
	}
}

func (s *Scheduler) Table() *Table { return s.table }

func (s *Scheduler) Frame() uint64 { return s.frame }

// Handle binds fn to an action named by the table.
func (s *Scheduler) Handle(action string, fn Handler) error {
	for _, a := range s.table.Actions() {
		if a == action {
			s.handlers[action] = fn
			return nil
		}
	}
	return fmt.Errorf("%w: no flag uses action %s", ErrUnknownFlag, action)
}

func (s *Scheduler) Subscribe(fn func(FlushReport)) { s.subs = append(s.subs, fn) }

// Update raises flags for the next Apply. It does no work itself. Flags
// raised while a flush runs are deferred to the following frame.
func (s *Scheduler) Update(names ...string) error {
	for _, n := range names {
		if !s.table.Has(n) {
			return fmt.Errorf("%w: %s", ErrUnknownFlag, n)
		}
	}
	dst := s.pending
	if s.flushing {
		dst = s.deferred
	}
	for _, n := range names {
		dst[n] = struct{}{}
	}
	return nil
}

// Pending returns the raised flags, sorted.
func (s *Scheduler) Pending() []string {
	out := make([]string, 0, len(s.pending))
	for n := range s.pending {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Expand returns the closure of names under propagation, bounded by the
// table's hop limit.
func (s *Scheduler) Expand(names []string) []string {
	seen := map[string]struct{}{}
	frontier := append([]string(nil), names...)
	for _, n := range frontier {
		seen[n] = struct{}{}
	}
	for hop := 0; hop < s.table.maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, n := range frontier {
			for _, p := range s.table.defs[n].Propagate {
				if _, ok := seen[p]; ok {
					continue
				}
				seen[p] = struct{}{}
				next = append(next, p)
			}
		}
		frontier = next
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

type action struct {
	name     string
	priority int
}

// runActions ends the flush even when a handler panics, so later flags are
// not deferred forever.
func (s *Scheduler) runActions(ctx context.Context, acts []action, rep *FlushReport) {
	defer s.endFlush()
	for _, a := range acts {
		if ctx.Err() != nil {
			break
		}
		rep.Actions = append(rep.Actions, a.name)
		fn := s.handlers[a.name]
		if fn == nil {
			continue
		}
		if err := fn(ctx); err != nil {
			rep.Failed = append(rep.Failed, a.name)
			s.log.WithError(err).WithFields(logrus.Fields{"frame": s.frame, "action": a.name}).Warn("flag handler failed")
		}
	}
}

func (s *Scheduler) endFlush() {
	s.flushing = false
	for n := range s.deferred {
		s.pending[n] = struct{}{}
	}
	s.deferred = map[string]struct{}{}
}

// Apply drains pending flags, expands them, and runs each distinct action
// once in (priority, name) order. A nested call while flushing is a no-op.
func (s *Scheduler) Apply(ctx context.Context) FlushReport {
	if s.flushing || len(s.pending) == 0 {
		return FlushReport{Frame: s.frame}
	}
	start := time.Now()
	s.flushing = true
	s.frame++

	raised := s.Pending()
	s.pending = map[string]struct{}{}
	all := s.Expand(raised)

	byName := map[string]int{}
	for _, n := range all {
		d := s.table.defs[n]
		if p, ok := byName[d.Action]; !ok || d.Priority < p {
			byName[d.Action] = d.Priority
		}
	}
	acts := make([]action, 0, len(byName))
	for n, p := range byName {
		acts = append(acts, action{name: n, priority: p})
	}
	sort.Slice(acts, func(i, j int) bool {
		if acts[i].priority != acts[j].priority {
			return acts[i].priority < acts[j].priority
		}
		return acts[i].name < acts[j].name
	})

	rep := FlushReport{Frame: s.frame, Flags: all}
	s.runActions(ctx, acts, &rep)
	rep.Duration = time.Since(start)
	for _, fn := range s.subs {
		fn(rep)
	}
	return rep
}
