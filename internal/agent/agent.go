// Package agent runs on a branch node and keeps the center informed of the
// branch's liveness.
package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"chaincore/internal/models"

	"github.com/rs/zerolog"
)

// Center is the subset of CenterClient the heartbeat needs.
type Center interface {
	Ping(ctx context.Context, sequence int64) (*PingReply, error)
	ReportHealth(ctx context.Context, report HealthReport) error
}

// Agent pings the center and pushes a health snapshot every interval.
type Agent struct {
	center   Center
	interval time.Duration
	logger   *zerolog.Logger
	sample   func() map[string]any

	seq         atomic.Int64
	maintenance atomic.Bool

	mu       sync.Mutex
	lastPing *PingReply
	failures int
}

func New(center Center, interval time.Duration, logger *zerolog.Logger) *Agent {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Agent{center: center, interval: interval, logger: logger, sample: SampleHost}
}

// SetMaintenance makes subsequent pushes report the maintenance status.
func (a *Agent) SetMaintenance(on bool) {
	a.maintenance.Store(on)
}

// Run beats once immediately and then every interval until ctx is done.
func (a *Agent) Run(ctx context.Context) {
	a.Beat(ctx)

	t := time.NewTicker(a.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.Beat(ctx)
		}
	}
}

// Beat sends one ping and one health push. Errors are logged; the next beat
// tries again.
func (a *Agent) Beat(ctx context.Context) {
	seq := a.seq.Add(1)
	reply, err := a.center.Ping(ctx, seq)

	a.mu.Lock()
	if err != nil {
		a.failures++
		a.logger.Warn().Err(err).Int64("sequence", seq).Int("consecutive_failures", a.failures).Msg("ping to center failed")
	} else {
		a.failures = 0
		a.lastPing = reply
	}
	network := a.networkInfoLocked(seq, err == nil)
	a.mu.Unlock()

	status := models.BranchOnline
	if a.maintenance.Load() {
		status = models.BranchMaintenance
	}
	report := HealthReport{Status: status, SystemInfo: a.sample(), NetworkInfo: network}
	if err := a.center.ReportHealth(ctx, report); err != nil {
		a.logger.Warn().Err(err).Msg("health push to center failed")
		return
	}
	a.logger.Debug().Int64("sequence", seq).Str("status", status).Msg("heartbeat sent")
}

func (a *Agent) networkInfoLocked(seq int64, pingOK bool) map[string]any {
	info := map[string]any{
		"ping_sequence":        seq,
		"ping_ok":              pingOK,
		"consecutive_failures": a.failures,
	}
	if a.lastPing != nil {
		info["latency_ms"] = a.lastPing.RoundTripMs
		info["last_pong_at"] = a.lastPing.ServerTime
	}
	return info
}
