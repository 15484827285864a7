package targets

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// usageTracker accumulates monotonic call counters at server and tool
// granularity. Increments are lock-free since many sessions call the same
// target concurrently. Counters reset only with the process.
type usageTracker struct {
	servers *xsync.Map[string, *serverUsage]
}

type serverUsage struct {
	calls atomic.Int64
	last  atomic.Int64 // unix nanos, 0 = never
	tools *xsync.Map[string, *toolUsage]
}

type toolUsage struct {
	calls atomic.Int64
	last  atomic.Int64
}

func newUsageTracker() *usageTracker {
	return &usageTracker{servers: xsync.NewMap[string, *serverUsage]()}
}

func (u *usageTracker) record(server, tool string, at time.Time) {
	su, _ := u.servers.LoadOrStore(server, &serverUsage{tools: xsync.NewMap[string, *toolUsage]()})
	su.calls.Add(1)
	su.last.Store(at.UnixNano())
	tu, _ := su.tools.LoadOrStore(tool, &toolUsage{})
	tu.calls.Add(1)
	tu.last.Store(at.UnixNano())
}

// lastCalled returns the zero time when the server has never been called.
func (u *usageTracker) lastCalled(server string) time.Time {
	su, ok := u.servers.Load(server)
	if !ok {
		return time.Time{}
	}
	nanos := su.last.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

func (u *usageTracker) snapshot(server string) UsageSnapshot {
	su, ok := u.servers.Load(server)
	if !ok {
		return UsageSnapshot{}
	}
	snap := UsageSnapshot{
		CallCount: su.calls.Load(),
		Tools:     make(map[string]ToolUsageSnapshot),
	}
	snap.LastCalledAt = nanosToTime(su.last.Load())
	su.tools.Range(func(name string, tu *toolUsage) bool {
		snap.Tools[name] = ToolUsageSnapshot{
			CallCount:    tu.calls.Load(),
			LastCalledAt: nanosToTime(tu.last.Load()),
		}
		return true
	})
	return snap
}

func (u *usageTracker) forget(server string) {
	u.servers.Delete(server)
}

func nanosToTime(nanos int64) *time.Time {
	if nanos == 0 {
		return nil
	}
	t := time.Unix(0, nanos)
	return &t
}
