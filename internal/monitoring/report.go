package monitoring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/shizukutanaka/Shiken/internal/alert"
)

// Report is a point-in-time summary of coordinator state
type Report struct {
	GeneratedAt    time.Time
	Runners        []RunnerStatus
	ActiveSessions []Session
	RecentAlerts   []alert.Alert
	Baseline       *Baseline
	System         *SystemSample
}

// RunnerStatus describes one registered runner
type RunnerStatus struct {
	ID            string
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	Stale         bool
}

// GenerateReport collects the current monitor state
func (m *Monitor) GenerateReport(ctx context.Context) Report {
	report := Report{GeneratedAt: m.now()}

	m.mu.Lock()
	for _, h := range m.runners {
		report.Runners = append(report.Runners, RunnerStatus{
			ID:            h.ID,
			RegisteredAt:  h.registeredAt,
			LastHeartbeat: h.lastHeartbeat,
			Stale:         h.stale,
		})
	}
	for _, s := range m.sessions {
		report.ActiveSessions = append(report.ActiveSessions, *s)
	}
	n := len(m.alerts)
	if n > 10 {
		n = 10
	}
	report.RecentAlerts = append([]alert.Alert(nil), m.alerts[len(m.alerts)-n:]...)
	m.mu.Unlock()

	if baseline, ok := m.LoadBaseline(ctx); ok {
		report.Baseline = &baseline
	}
	if sample, ok := m.sampler.Latest(); ok {
		report.System = &sample
	}

	return report
}

// String renders a human-readable report
func (r Report) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Coordinator report (%s)\n", r.GeneratedAt.Format(time.RFC3339))

	if r.System != nil {
		fmt.Fprintf(&b, "System: cpu %.1f%%, memory %.1f%% (%s of %s)\n",
			r.System.CPUPercent, r.System.MemoryPercent,
			humanize.IBytes(r.System.MemoryUsed), humanize.IBytes(r.System.MemoryTotal))
	}

	fmt.Fprintf(&b, "Runners: %d\n", len(r.Runners))
	for _, runner := range r.Runners {
		state := "live"
		if runner.Stale {
			state = "stale"
		}
		fmt.Fprintf(&b, "  %s  %s  last heartbeat %s\n",
			runner.ID, state, humanize.Time(runner.LastHeartbeat))
	}

	fmt.Fprintf(&b, "Active sessions: %d\n", len(r.ActiveSessions))
	for _, s := range r.ActiveSessions {
		fmt.Fprintf(&b, "  %s  started %s\n", s.ID, humanize.Time(s.StartTime))
	}

	if r.Baseline != nil {
		fmt.Fprintf(&b, "Baseline: %d sessions, mean duration %s, mean failure rate %.1f%%\n",
			r.Baseline.Sessions,
			r.Baseline.MeanDuration.Round(time.Millisecond),
			r.Baseline.MeanFailRate*100)
	} else {
		b.WriteString("Baseline: unavailable\n")
	}

	if len(r.RecentAlerts) > 0 {
		fmt.Fprintf(&b, "Recent alerts (%d):\n", len(r.RecentAlerts))
		for _, a := range r.RecentAlerts {
			fmt.Fprintf(&b, "  [%s] %s: %s\n", a.Level, a.Type, a.Message)
		}
	}

	return b.String()
}
