package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/mcpxhq/mcpx/pkg/aggregator"
	"github.com/mcpxhq/mcpx/pkg/meta"
	"github.com/mcpxhq/mcpx/pkg/sessions"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

const sessionIDHeader = "Mcp-Session-Id"

// streamAdapter pairs the per-session streamable transport with its server
// session so the registry can tear both down.
type streamAdapter struct {
	transport *mcp.StreamableServerTransport
	session   *mcp.ServerSession
}

func (a *streamAdapter) Kind() sessions.TransportKind { return sessions.TransportStreamable }

func (a *streamAdapter) Close() error {
	if a.session != nil {
		return a.session.Close()
	}
	return nil
}

// handleStreamable serves the streamable HTTP transport. A request without a
// session header must be an initialize POST, which mints the session; every
// other request is routed to its session's transport by the header. An SSE
// session id presented here is a transport mismatch, mirroring the check on
// the legacy route.
func (s *Server) handleStreamable(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get(sessionIDHeader)
	if sid == "" {
		s.openStreamable(w, r)
		return
	}

	sess, ok := s.registry.Get(sid)
	if !ok {
		writeRPCError(w, http.StatusNotFound, codeSession, "no valid session")
		return
	}
	adapter, ok := sess.Adapter.(*streamAdapter)
	if !ok {
		writeRPCError(w, http.StatusBadRequest, codeSession, "transport mismatch")
		return
	}

	if r.Method == http.MethodDelete {
		s.registry.Close(sid, sessions.ReasonClientDelete)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	sess.Touch()
	adapter.transport.ServeHTTP(w, r)
}

func (s *Server) openStreamable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeRPCError(w, http.StatusBadRequest, codeSession, "no valid session")
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
	req, ok := msg.(*jsonrpc.Request)
	if !ok || req.Method != "initialize" {
		writeRPCError(w, http.StatusBadRequest, codeSession, "new session must begin with initialize")
		return
	}

	md := meta.FromHeaders(r.Header, s.logger)
	meta.Merge(&md, meta.FromMessages(msg))

	id := uuid.NewString()
	transport := &mcp.StreamableServerTransport{SessionID: id}
	adapter := &streamAdapter{transport: transport}

	sess := sessions.New(id, adapter, nil, md, nil)
	server, detach := s.agg.BuildServer(func() aggregator.Identity {
		cur := sess.Metadata()
		return aggregator.Identity{ConsumerTag: cur.ConsumerTag, Probe: cur.IsProbe}
	})
	sess.BindServer(server, detach)

	// The transport outlives this request, so the session is connected on a
	// background context and lives until DELETE, idle reaping, or shutdown.
	ss, err := server.Connect(context.Background(), transport, nil)
	if err != nil {
		detach()
		s.logger.Error("streamable session connect failed", zap.String("session", id), zap.Error(err))
		writeRPCError(w, http.StatusInternalServerError, codeSession, "failed to open session")
		return
	}
	adapter.session = ss

	if err := s.registry.Open(sess); err != nil {
		s.registry.Close(id, sessions.ReasonTransportError)
		s.logger.Error("streamable session rejected", zap.String("session", id), zap.Error(err))
		writeRPCError(w, http.StatusInternalServerError, codeSession, "failed to open session")
		return
	}

	w.Header().Set(sessionIDHeader, id)
	r.Body = io.NopCloser(bytes.NewReader(body))
	transport.ServeHTTP(w, r)
}
