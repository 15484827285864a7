package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/mcpxhq/mcpx/pkg/aggregator"
	"github.com/mcpxhq/mcpx/pkg/meta"
	"github.com/mcpxhq/mcpx/pkg/sessions"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

var errSSEClosed = errors.New("gateway: sse stream closed")

// sseTransport adapts the legacy two-endpoint SSE wire protocol to the MCP
// transport interface: the GET stream carries outbound events, and follow-up
// POSTs are funneled into a bounded inbound channel so a slow session applies
// flow control at the transport boundary instead of queuing without limit.
type sseTransport struct {
	sessionID string

	incoming chan jsonrpc.Message
	done     chan struct{}
	once     sync.Once

	writeMu sync.Mutex
	w       io.Writer
	flush   func()
}

func newSSETransport(sessionID string, w io.Writer, flush func(), buffer int) *sseTransport {
	return &sseTransport{
		sessionID: sessionID,
		incoming:  make(chan jsonrpc.Message, buffer),
		done:      make(chan struct{}),
		w:         w,
		flush:     flush,
	}
}

func (t *sseTransport) Connect(context.Context) (mcp.Connection, error) { return t, nil }

func (t *sseTransport) SessionID() string { return t.sessionID }

func (t *sseTransport) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-t.incoming:
		return msg, nil
	case <-t.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *sseTransport) Write(_ context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return t.writeEvent("message", string(data))
}

func (t *sseTransport) writeEvent(event, data string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	select {
	case <-t.done:
		return errSSEClosed
	default:
	}
	if _, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	t.flush()
	return nil
}

// Deliver hands one inbound message to the session's read loop. It blocks at
// the channel bound; the caller supplies the timeout context.
func (t *sseTransport) Deliver(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case t.incoming <- msg:
		return nil
	case <-t.done:
		return errSSEClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *sseTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *sseTransport) Done() <-chan struct{} { return t.done }

func (t *sseTransport) Kind() sessions.TransportKind { return sessions.TransportSSE }

// handleSSE opens the event stream, announces the follow-up POST endpoint,
// and parks until either side ends the stream.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	md := meta.FromHeaders(r.Header, s.logger)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	transport := newSSETransport(id, w, flusher.Flush, s.opts.InboundBuffer)
	if err := transport.writeEvent("endpoint", fmt.Sprintf("%s?sessionId=%s", s.opts.MessagesPath, id)); err != nil {
		return
	}

	sess := sessions.New(id, transport, nil, md, nil)
	server, detach := s.agg.BuildServer(func() aggregator.Identity {
		cur := sess.Metadata()
		return aggregator.Identity{ConsumerTag: cur.ConsumerTag, Probe: cur.IsProbe}
	})
	sess.BindServer(server, detach)

	if _, err := server.Connect(r.Context(), transport, nil); err != nil {
		detach()
		s.logger.Error("sse session connect failed", zap.String("session", id), zap.Error(err))
		return
	}
	if err := s.registry.Open(sess); err != nil {
		s.registry.Close(id, sessions.ReasonTransportError)
		s.logger.Error("sse session rejected", zap.String("session", id), zap.Error(err))
		return
	}

	select {
	case <-r.Context().Done():
		s.registry.Close(id, sessions.ReasonTransportClosed)
	case <-transport.Done():
		// Closed through the registry: idle reaping or shutdown.
	}
}

// handleSSEMessage accepts one JSON-RPC message for an existing SSE session.
func (s *Server) handleSSEMessage(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		writeRPCError(w, http.StatusBadRequest, codeSession, "no valid session")
		return
	}
	sess, ok := s.registry.Get(id)
	if !ok {
		writeRPCError(w, http.StatusNotFound, codeSession, "no valid session")
		return
	}
	transport, ok := sess.Adapter.(*sseTransport)
	if !ok {
		writeRPCError(w, http.StatusBadRequest, codeSession, "transport mismatch")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, codeParse, "unreadable body")
		return
	}
	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, codeParse, "invalid JSON-RPC message")
		return
	}

	sess.MergeMetadata(meta.FromMessages(msg))
	sess.Touch()

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.DeliverTimeout)
	defer cancel()
	if err := transport.Deliver(ctx, msg); err != nil {
		writeRPCError(w, http.StatusServiceUnavailable, codeSession, "session not accepting messages")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
