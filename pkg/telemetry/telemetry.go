// Package telemetry times multi-step operations and logs the slow ones,
// plus a sampled fraction of the rest.
package telemetry

import (
	"math/rand"
	"sync/atomic"
	"time"

	"pulsehub/pkg/logger"
	"pulsehub/pkg/timeutil"
)

type Step struct {
	Name     string  `json:"name"`
	Duration float64 `json:"duration_ms"`
}

type Trace struct {
	Name     string    `json:"name"`
	Start    time.Time `json:"start"`
	Steps    []Step    `json:"steps"`
	TotalMS  float64   `json:"total_ms"`
	lastMark time.Time
	done     bool
	tel      *Telemetry
}

// Telemetry holds the sampling knobs.
type Telemetry struct {
	sampleRate float64
	slow       time.Duration
	slowCount  atomic.Uint64
}

var global atomic.Pointer[Telemetry]

func init() {
	global.Store(New(0, 200*time.Millisecond))
}

// Init installs the process wide sampling settings.
func Init(sampleRate float64, slow time.Duration) {
	global.Store(New(sampleRate, slow))
}

// New returns a Telemetry logging every trace slower than slow and a
// sampleRate fraction of the others.
func New(sampleRate float64, slow time.Duration) *Telemetry {
	if sampleRate < 0 {
		sampleRate = 0
	}
	if sampleRate > 1 {
		sampleRate = 1
	}
	return &Telemetry{sampleRate: sampleRate, slow: slow}
}

// Track starts a new trace using the global telemetry instance.
func Track(name string) *Trace {
	return global.Load().Track(name)
}

// SlowCount is the number of slow traces seen by the global instance.
func SlowCount() uint64 {
	return global.Load().slowCount.Load()
}

// Track starts a new trace bound to t.
func (t *Telemetry) Track(name string) *Trace {
	now := timeutil.Now()
	return &Trace{
		Name:     name,
		Start:    now,
		lastMark: now,
		tel:      t,
	}
}

// Mark records the elapsed duration since last mark.
func (tr *Trace) Mark(label string) {
	now := timeutil.Now()
	delta := now.Sub(tr.lastMark).Seconds() * 1000
	tr.Steps = append(tr.Steps, Step{Name: label, Duration: delta})
	tr.lastMark = now
}

// Finish closes the trace and logs it when slow or sampled.
// Safe to call multiple times or via defer.
func (tr *Trace) Finish() {
	if tr.done || tr.tel == nil {
		return
	}
	tr.done = true
	total := time.Since(tr.Start)
	tr.TotalMS = total.Seconds() * 1000

	var sum float64
	for _, s := range tr.Steps {
		sum += s.Duration
	}
	if remaining := tr.TotalMS - sum; remaining > 0.001 {
		tr.Steps = append(tr.Steps, Step{Name: "unmarked", Duration: remaining})
	}

	t := tr.tel
	switch {
	case t.slow > 0 && total >= t.slow:
		t.slowCount.Add(1)
		logger.Warn("slow_operation", "op", tr.Name, "total_ms", tr.TotalMS, "steps", tr.Steps)
	case t.sampleRate > 0 && rand.Float64() < t.sampleRate:
		logger.Debug("operation_trace", "op", tr.Name, "total_ms", tr.TotalMS, "steps", tr.Steps)
	}
}

// Slow reports whether the finished trace crossed the slow threshold.
func (tr *Trace) Slow() bool {
	return tr.tel != nil && tr.tel.slow > 0 && tr.TotalMS >= float64(tr.tel.slow)/float64(time.Millisecond)
}
