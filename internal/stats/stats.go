// Package stats keeps process-wide attempt counters and reports them, with
// host resource usage, to the status surfaces.
package stats

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Sink counts attempts and failures across every Task. Counters only ever
// increase. Safe for concurrent use.
type Sink struct {
	attempts atomic.Int64
	errors   atomic.Int64

	started time.Time
	now     func() time.Time
	host    HostFunc
}

// HostFunc collects host resource usage.
type HostFunc func(ctx context.Context) (Host, error)

// Host is a point-in-time view of host resource usage.
type Host struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsed    uint64  `json:"memory_used"`
	MemoryTotal   uint64  `json:"memory_total"`
	MemoryPercent float64 `json:"memory_percent"`
	Memory        string  `json:"memory"`
	Goroutines    int     `json:"goroutines"`
}

// Snapshot is a point-in-time view of the Sink.
type Snapshot struct {
	Attempts    int64         `json:"attempts"`
	Errors      int64         `json:"errors"`
	Uptime      time.Duration `json:"-"`
	Started     time.Time     `json:"started"`
	CurrentTime time.Time     `json:"current_time"`
	Host        *Host         `json:"host,omitempty"`
}

// UptimeString renders Uptime rounded to the second, e.g. "3h2m1s".
func (s Snapshot) UptimeString() string {
	return s.Uptime.Round(time.Second).String()
}

// StartedString renders Started relative to now, e.g. "3 hours ago".
func (s Snapshot) StartedString() string {
	return humanize.RelTime(s.Started, s.CurrentTime, "ago", "from now")
}

type Option func(*Sink)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) {
		s.now = now
	}
}

// WithHost replaces the gopsutil host collector. A nil HostFunc disables
// host stats.
func WithHost(host HostFunc) Option {
	return func(s *Sink) {
		s.host = host
	}
}

// NewSink creates a Sink whose uptime starts now.
func NewSink(opts ...Option) *Sink {
	s := &Sink{
		now:  time.Now,
		host: CollectHost,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.started = s.now()

	return s
}

// RecordAttempt counts one attempt, and one error if it didn't succeed.
func (s *Sink) RecordAttempt(success bool) {
	s.attempts.Add(1)

	if !success {
		s.errors.Add(1)
	}
}

// Snapshot returns the current counters, uptime and, if available, host
// usage. Host collection failures are returned alongside a snapshot that
// omits Host.
func (s *Sink) Snapshot(ctx context.Context) (Snapshot, error) {
	now := s.now()

	snap := Snapshot{
		Attempts:    s.attempts.Load(),
		Errors:      s.errors.Load(),
		Uptime:      now.Sub(s.started),
		Started:     s.started,
		CurrentTime: now,
	}

	if s.host == nil {
		return snap, nil
	}

	host, err := s.host(ctx)
	if err != nil {
		return snap, fmt.Errorf("collect host stats: %w", err)
	}

	snap.Host = &host

	return snap, nil
}

// CollectHost reads CPU and memory usage with gopsutil.
func CollectHost(ctx context.Context) (Host, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Host{}, fmt.Errorf("virtual memory: %w", err)
	}

	// Zero interval compares against the previous call rather than blocking.
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Host{}, fmt.Errorf("cpu percent: %w", err)
	}

	h := Host{
		MemoryUsed:    vm.Used,
		MemoryTotal:   vm.Total,
		MemoryPercent: vm.UsedPercent,
		Memory: fmt.Sprintf(
			"%s / %s",
			humanize.IBytes(vm.Used),
			humanize.IBytes(vm.Total),
		),
		Goroutines: runtime.NumGoroutine(),
	}

	if len(percents) > 0 {
		h.CPUPercent = percents[0]
	}

	return h, nil
}
