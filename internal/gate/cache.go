package gate

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/open-notebook/vmgate/internal/api"
	"github.com/open-notebook/vmgate/internal/store"
	"github.com/open-notebook/vmgate/pkg/log"
)

// Store keys scoped to this feature.
const (
	keyLastStatus = "dbvm/last-status"
	keyStartedAt  = "dbvm/started-at"
)

// cache persists the last status snapshot and the local transition start
// timestamp across process restarts. Snapshot loads apply the freshness
// rule: a cached running status older than the ceiling is discarded, so a
// stale "running" can never bypass the gate.
type cache struct {
	store   store.Store
	ceiling time.Duration
	log     log.Logger
}

func (c *cache) loadSnapshot(now time.Time) *api.StatusSnapshot {
	data, err := c.store.Get(keyLastStatus)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.Warn("reading cached status", "error", err.Error())
		}
		return nil
	}

	var snap api.StatusSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.log.Warn("discarding unreadable cached status", "error", err.Error())
		return nil
	}
	if !snap.Status.Known() {
		snap.Status = api.StatusUnknown
	}

	// A non-running snapshot is always usable: it can only keep the gate
	// up. A running snapshot is trusted only within the freshness ceiling.
	if snap.Status == api.StatusRunning && snap.Age(now) > c.ceiling {
		c.log.Info("discarding stale cached running status",
			"checkedAt", snap.CheckedAt, "age", snap.Age(now).String())
		return nil
	}
	return &snap
}

func (c *cache) saveSnapshot(snap *api.StatusSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := c.store.Set(keyLastStatus, data); err != nil {
		c.log.Warn("persisting status snapshot", "error", err.Error())
	}
}

func (c *cache) loadStartedAt() time.Time {
	data, err := c.store.Get(keyStartedAt)
	if err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		c.log.Warn("discarding unreadable start timestamp", "value", string(data))
		c.clearStartedAt()
		return time.Time{}
	}
	return t
}

func (c *cache) saveStartedAt(t time.Time) {
	if err := c.store.Set(keyStartedAt, []byte(t.Format(time.RFC3339Nano))); err != nil {
		c.log.Warn("persisting start timestamp", "error", err.Error())
	}
}

func (c *cache) clearStartedAt() {
	if err := c.store.Delete(keyStartedAt); err != nil {
		c.log.Warn("clearing start timestamp", "error", err.Error())
	}
}
