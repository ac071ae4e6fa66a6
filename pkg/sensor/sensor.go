// Package sensor watches disk and heap usage and reports when the node
// should stop advertising readiness.
package sensor

import (
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"pulsehub/pkg/logger"
	"pulsehub/pkg/timeutil"
)

// Reading is one sample.
type Reading struct {
	DiskUsedPct float64 `json:"disk_used_pct"`
	HeapUsedPct float64 `json:"heap_used_pct"`
}

type Status struct {
	DiskAlert bool    `json:"disk_alert"`
	MemAlert  bool    `json:"mem_alert"`
	Last      Reading `json:"last"`
}

// monitor config
type MonitorConfig struct {
	// Path is the filesystem whose usage is watched, normally the db path.
	Path           string
	PollInterval   time.Duration
	DiskHighPct    int
	DiskLowPct     int
	MemHighPct     int
	RecoveryWindow time.Duration
	Clock          timeutil.Clock
}

// sensor struct
type Sensor struct {
	config   MonitorConfig
	probe    func(path string) (Reading, error)
	stopCh   chan struct{}
	stopOnce sync.Once

	mu           sync.Mutex
	last         Reading
	diskAlert    bool
	memAlert     bool
	diskLowSince time.Time
	memLowSince  time.Time
}

func NewSensor(config MonitorConfig) *Sensor {
	if config.Clock == nil {
		config.Clock = timeutil.Real()
	}
	if config.Path == "" {
		config.Path = "/"
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	return &Sensor{config: config, probe: readHardware, stopCh: make(chan struct{})}
}

// start sensor
func (s *Sensor) Start() {
	s.poll()
	go s.run()
}

// stop sensor
func (s *Sensor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// Healthy is false while the disk is above its high watermark.
func (s *Sensor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.diskAlert
}

func (s *Sensor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{DiskAlert: s.diskAlert, MemAlert: s.memAlert, Last: s.last}
}

// run loop
func (s *Sensor) run() {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.poll()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sensor) poll() {
	r, err := s.probe(s.config.Path)
	if err != nil {
		logger.Warn("sensor_probe_failed", "path", s.config.Path, "error", err)
		return
	}
	s.observe(r)
}

// observe applies one reading. An alert clears only after usage stayed below
// the low watermark for the whole recovery window.
func (s *Sensor) observe(r Reading) {
	now := s.config.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = r

	switch {
	case r.DiskUsedPct > float64(s.config.DiskHighPct):
		s.diskLowSince = time.Time{}
		if !s.diskAlert {
			logger.Warn("disk_usage_high", "used_pct", r.DiskUsedPct, "threshold", s.config.DiskHighPct, "path", s.config.Path)
			s.diskAlert = true
		}
	case s.diskAlert && r.DiskUsedPct < float64(s.config.DiskLowPct):
		if s.diskLowSince.IsZero() {
			s.diskLowSince = now
		}
		if now.Sub(s.diskLowSince) >= s.config.RecoveryWindow {
			logger.Info("disk_usage_recovered", "used_pct", r.DiskUsedPct, "threshold", s.config.DiskLowPct, "window", s.config.RecoveryWindow)
			s.diskAlert = false
			s.diskLowSince = time.Time{}
		}
	default:
		s.diskLowSince = time.Time{}
	}

	switch {
	case r.HeapUsedPct > float64(s.config.MemHighPct):
		s.memLowSince = time.Time{}
		if !s.memAlert {
			logger.Warn("heap_usage_high", "used_pct", r.HeapUsedPct, "threshold", s.config.MemHighPct)
			s.memAlert = true
		}
	case s.memAlert:
		if s.memLowSince.IsZero() {
			s.memLowSince = now
		}
		if now.Sub(s.memLowSince) >= s.config.RecoveryWindow {
			logger.Info("heap_usage_recovered", "used_pct", r.HeapUsedPct, "threshold", s.config.MemHighPct)
			s.memAlert = false
			s.memLowSince = time.Time{}
		}
	}
}

func readHardware(path string) (Reading, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return Reading{}, err
	}
	var r Reading
	total := stat.Blocks * uint64(stat.Bsize)
	if total > 0 {
		available := stat.Bavail * uint64(stat.Bsize)
		r.DiskUsedPct = float64(total-available) / float64(total) * 100
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.HeapSys > 0 {
		r.HeapUsedPct = float64(m.HeapInuse) / float64(m.HeapSys) * 100
	}
	return r, nil
}
