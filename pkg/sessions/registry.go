package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/mcpxhq/mcpx/pkg/metrics"
	"go.uber.org/zap"
)

// Registry keys live sessions by their transport-assigned id. The backing map
// is a TTL cache: any lookup counts as activity and restarts the idle clock,
// and expiry closes the session with ReasonIdleTTL.
type Registry struct {
	cache    *ttlcache.Cache[string, *Session]
	logger   *zap.Logger
	recorder *metrics.Recorder
}

// NewRegistry builds a Registry. idleTTL <= 0 disables idle reaping.
func NewRegistry(idleTTL time.Duration, recorder *metrics.Recorder, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := idleTTL
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	r := &Registry{
		cache:    ttlcache.New(ttlcache.WithTTL[string, *Session](ttl)),
		logger:   logger.Named("sessions"),
		recorder: recorder,
	}
	r.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Session]) {
		if reason != ttlcache.EvictionReasonExpired {
			// Deletions come through Close, which already ran teardown.
			return
		}
		r.finish(item.Value(), ReasonIdleTTL)
	})
	return r
}

// Run drives the expiry loop until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	go r.cache.Start()
	<-ctx.Done()
	r.cache.Stop()
}

// Open registers a new session. The id must be unused.
func (r *Registry) Open(s *Session) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("sessions: session needs an id")
	}
	if r.cache.Has(s.ID) {
		return fmt.Errorf("sessions: duplicate session id %q", s.ID)
	}
	r.cache.Set(s.ID, s, ttlcache.DefaultTTL)
	if r.recorder != nil {
		r.recorder.SessionOpened(string(s.Adapter.Kind()))
	}
	md := s.Metadata()
	r.logger.Info("session opened",
		zap.String("session", s.ID),
		zap.String("transport", string(s.Adapter.Kind())),
		zap.String("consumerTag", md.ConsumerTag),
		zap.Bool("probe", md.IsProbe))
	return nil
}

// Get returns a live session. The lookup restarts the idle clock.
func (r *Registry) Get(id string) (*Session, bool) {
	item := r.cache.Get(id)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Touch records inbound activity on a session; unknown ids are a no-op.
func (r *Registry) Touch(id string) {
	if s, ok := r.Get(id); ok {
		s.Touch()
	}
}

// Close tears a session down with the given reason, removes it from the
// registry, and tolerates concurrent or repeated closes: closing an unknown
// or already-closed id is a no-op.
func (r *Registry) Close(id string, reason CloseReason) {
	item := r.cache.Get(id, ttlcache.WithDisableTouchOnHit[string, *Session]())
	if item == nil {
		return
	}
	s := item.Value()
	r.cache.Delete(id)
	r.finish(s, reason)
}

func (r *Registry) finish(s *Session, reason CloseReason) {
	if !s.close(reason) {
		return
	}
	if r.recorder != nil {
		r.recorder.SessionClosed(string(s.Adapter.Kind()))
	}
	r.logger.Info("session closed",
		zap.String("session", s.ID),
		zap.String("reason", string(reason)))
}

// CloseAll closes every live session, typically with ReasonShutdown.
func (r *Registry) CloseAll(reason CloseReason) {
	for _, id := range r.cache.Keys() {
		r.Close(id, reason)
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	return r.cache.Len()
}

// Snapshot projects every live session for the administrative surface
// without restarting any idle clocks.
func (r *Registry) Snapshot() []Info {
	out := make([]Info, 0, r.cache.Len())
	r.cache.Range(func(item *ttlcache.Item[string, *Session]) bool {
		s := item.Value()
		out = append(out, Info{
			ID:           s.ID,
			Transport:    s.Adapter.Kind(),
			Metadata:     s.Metadata(),
			OpenedAt:     s.OpenedAt(),
			LastActivity: s.LastActivity(),
		})
		return true
	})
	return out
}
