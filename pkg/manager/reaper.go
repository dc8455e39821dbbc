package manager

import (
	"context"
	"log/slog"
	"time"

	"github.com/sandkasten-dev/sandkasten/pkg/observability"
)

// reapLoop sweeps the record map on a fixed interval until Stop closes
// the stop channel.
func (m *Manager) reapLoop() {
	defer close(m.reaperDone)

	ticker := time.NewTicker(m.reaperInterval)
	defer ticker.Stop()

	slog.Debug("reaper started", "interval", m.reaperInterval)
	for {
		select {
		case <-m.stopReaper:
			slog.Debug("reaper stopped")
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

// reapIdle releases every record whose idle time exceeds its type's
// default timeout. The candidate scan holds the map lock; backend
// teardown runs outside it. A record refreshed between scan and
// release is re-checked so an active sandbox is never reaped.
func (m *Manager) reapIdle() {
	now := time.Now()

	m.mu.Lock()
	var expired []*record
	for _, rec := range m.byKey {
		if isExpired(rec, now) {
			expired = append(expired, rec)
		}
	}
	m.mu.Unlock()

	for _, rec := range expired {
		if !isExpired(rec, now) {
			continue
		}
		m.retire(rec)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if m.releaseRecord(ctx, rec, "idle timeout") {
			observability.ReapedTotal.WithLabelValues(rec.key.Type).Inc()
			slog.Info("reaped idle sandbox",
				"sandbox_id", rec.sandboxID,
				"key", rec.key.String(),
				"idle", now.Sub(rec.idleSince()),
				"timeout", rec.typeMeta.DefaultTimeout,
			)
		}
		cancel()
	}
}

// isExpired reports whether a record has been idle past its timeout.
// Types without a timeout are never reaped.
func isExpired(rec *record, now time.Time) bool {
	if rec.typeMeta.DefaultTimeout <= 0 || rec.released.Load() {
		return false
	}
	return now.Sub(rec.idleSince()) > rec.typeMeta.DefaultTimeout
}
