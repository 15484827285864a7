// Package sessions owns one entry per connected agent: the bound transport
// adapter, the per-session virtual server, and mutable metadata. The registry
// map is a TTL cache so idle sessions are reaped with a recorded reason.
package sessions

import (
	"sync"
	"time"

	"github.com/mcpxhq/mcpx/pkg/meta"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// TransportKind tags which wire protocol a session arrived over.
type TransportKind string

const (
	TransportSSE        TransportKind = "sse"
	TransportStreamable TransportKind = "streamable-http"
)

// CloseReason records why a session ended.
type CloseReason string

const (
	ReasonTransportClosed CloseReason = "transport-closed"
	ReasonTransportError  CloseReason = "transport-error"
	ReasonClientDelete    CloseReason = "client-delete"
	ReasonShutdown        CloseReason = "shutdown"
	ReasonIdleTTL         CloseReason = "idle-ttl-exceeded"
)

// Adapter is the capability surface a transport hands to the registry: it can
// be closed, and it knows its kind. The concrete handle (SSE stream,
// streamable HTTP transport) stays with the owning HTTP layer.
type Adapter interface {
	Kind() TransportKind
	Close() error
}

// Session is one agent's live connection. All mutation goes through the
// registry; concurrent closes collapse into the first one.
type Session struct {
	ID      string
	Adapter Adapter
	Server  *mcp.Server

	detach func()

	mu           sync.Mutex
	metadata     meta.Metadata
	lastActivity time.Time
	openedAt     time.Time

	closeOnce sync.Once
	reason    CloseReason
}

// New binds a session to its adapter and virtual server. detach releases the
// aggregator binding and may be nil.
func New(id string, adapter Adapter, server *mcp.Server, md meta.Metadata, detach func()) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		Adapter:      adapter,
		Server:       server,
		detach:       detach,
		metadata:     md,
		lastActivity: now,
		openedAt:     now,
	}
}

// BindServer attaches the virtual server after construction. The transport
// layers need the session's metadata to build the server, so the two are
// created in that order; BindServer must run before the session is opened in
// a registry.
func (s *Session) BindServer(server *mcp.Server, detach func()) {
	s.Server = server
	s.detach = detach
}

// Metadata returns a copy of the session's identity record.
func (s *Session) Metadata() meta.Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata
}

// MergeMetadata applies the set-if-unset merge rule for identity revealed
// after open time.
func (s *Session) MergeMetadata(src meta.Metadata) {
	s.mu.Lock()
	meta.Merge(&s.metadata, src)
	s.mu.Unlock()
}

// Touch marks inbound activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the most recent inbound-message timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// OpenedAt returns when the session was established.
func (s *Session) OpenedAt() time.Time {
	return s.openedAt
}

// close runs the teardown exactly once and reports whether this call won the
// race. The adapter close may fail; the session is gone either way.
func (s *Session) close(reason CloseReason) (first bool) {
	s.closeOnce.Do(func() {
		first = true
		s.reason = reason
		if s.detach != nil {
			s.detach()
		}
		if s.Adapter != nil {
			_ = s.Adapter.Close()
		}
	})
	return first
}

// Info is the administrative projection of one session.
type Info struct {
	ID           string        `json:"id"`
	Transport    TransportKind `json:"transport"`
	Metadata     meta.Metadata `json:"metadata"`
	OpenedAt     time.Time     `json:"openedAt"`
	LastActivity time.Time     `json:"lastActivity"`
}
