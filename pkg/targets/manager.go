// Package targets owns the lifecycle of every configured target server:
// dialing (stdio subprocess, SSE endpoint, or streamable HTTP endpoint),
// missing-configuration and pending-auth detection, bounded reconnection, and
// per-tool usage accounting. Each target moves through an explicit state
// machine; different targets are fully independent and a dial for one target
// never blocks another.
package targets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mcpxhq/mcpx/pkg/config"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnknownTarget is returned for a target name the manager does not know.
	ErrUnknownTarget = errors.New("targets: unknown target")
	// ErrUnavailable is returned when a call reaches a target that has no
	// live connection.
	ErrUnavailable = errors.New("targets: target not connected")
	// ErrMissingEnv is returned when a dial is blocked on unresolved
	// required environment values.
	ErrMissingEnv = errors.New("targets: missing required env")
	// ErrPendingAuth is returned when a dial is blocked on an incomplete
	// device authorization.
	ErrPendingAuth = errors.New("targets: authorization pending")
	// ErrFixedEnv is returned when supplied env values touch a fixed key.
	ErrFixedEnv = errors.New("targets: fixed env value cannot be changed")
)

// Manager orchestrates client sessions to every configured target server.
type Manager struct {
	mu sync.RWMutex

	opts   Options
	logger *zap.Logger

	states map[string]*targetState
	usage  *usageTracker

	catalogHooks []func(server string)
}

type targetState struct {
	cfg    config.TargetConfig
	active bool

	client  *mcp.Client
	session *mcp.ClientSession

	connecting bool
	connectCh  chan struct{}

	// status holds the resting state when no session is live; the connected
	// and connecting states are derived, never stored.
	status     Status
	lastErr    string
	lastErrAt  time.Time
	missingEnv []string

	tools []*mcp.Tool

	// token is the bearer credential granted by a completed device flow.
	token string

	retry     *backoff.ExponentialBackOff
	nextRetry time.Time
}

// NewManager registers the given target configurations without dialing them.
// Call Run to start connecting in the background, or Connect per target.
func NewManager(cfgs []config.TargetConfig, opts *Options) *Manager {
	options := opts.withDefaults()
	m := &Manager{
		opts:   options,
		logger: options.Logger.Named("targets"),
		states: make(map[string]*targetState),
		usage:  newUsageTracker(),
	}
	for _, cfg := range cfgs {
		m.states[cfg.Name] = &targetState{
			cfg:    cfg,
			active: !cfg.Inactive,
			status: StatusConnecting,
		}
	}
	return m
}

// Names returns known target names, sorted for stable iteration.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.states))
	for name := range m.states {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a target name is known.
func (m *Manager) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.states[name]
	return ok
}

// OnCatalogChanged registers a hook invoked whenever a target's visible tool
// set may have changed: connect, disconnect, tool-list notification, active
// toggle, or removal. Hooks run without the manager lock held.
func (m *Manager) OnCatalogChanged(fn func(server string)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.catalogHooks = append(m.catalogHooks, fn)
	m.mu.Unlock()
}

func (m *Manager) notifyCatalogChanged(server string) {
	m.mu.RLock()
	hooks := append([]func(string){}, m.catalogHooks...)
	m.mu.RUnlock()
	for _, fn := range hooks {
		fn(server)
	}
}

// Connect establishes (or reuses) the session for a target. Concurrent calls
// for the same target collapse into one dial attempt; callers of the losing
// goroutines wait for the winner and re-check.
func (m *Manager) Connect(ctx context.Context, name string) error {
	for {
		m.mu.Lock()
		st, ok := m.states[name]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrUnknownTarget, name)
		}
		if st.session != nil {
			m.mu.Unlock()
			return nil
		}
		if st.connecting {
			ch := st.connectCh
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ch:
				continue
			}
		}
		st.connecting = true
		st.connectCh = make(chan struct{})
		cfg := st.cfg
		token := st.token
		m.mu.Unlock()

		session, client, tools, err := m.establish(ctx, &cfg, token)

		m.mu.Lock()
		st.connecting = false
		close(st.connectCh)
		if err != nil {
			m.recordDialFailureLocked(st, err)
			m.mu.Unlock()
			return err
		}
		st.session = session
		st.client = client
		st.tools = tools
		st.status = StatusConnectedStopped
		st.lastErr = ""
		st.missingEnv = nil
		if st.retry != nil {
			st.retry.Reset()
		}
		st.nextRetry = time.Time{}
		m.mu.Unlock()

		m.logger.Info("target connected",
			zap.String("target", name), zap.Int("tools", len(tools)))
		go m.monitorSession(name, session)
		m.notifyCatalogChanged(name)
		return nil
	}
}

// recordDialFailureLocked classifies a dial error into the resting state and
// schedules the next retry where applicable.
func (m *Manager) recordDialFailureLocked(st *targetState, err error) {
	st.lastErr = err.Error()
	st.lastErrAt = time.Now()
	switch {
	case errors.Is(err, ErrMissingEnv):
		st.status = StatusPendingInput
	case errors.Is(err, ErrPendingAuth):
		st.status = StatusPendingAuth
	default:
		st.status = StatusConnectionFailed
		m.scheduleRetryLocked(st)
	}
	m.logger.Warn("target dial failed",
		zap.String("target", st.cfg.Name),
		zap.String("status", string(st.status)),
		zap.Error(err))
}

func (m *Manager) scheduleRetryLocked(st *targetState) {
	if st.retry == nil {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = m.opts.BackoffInitial
		bo.MaxInterval = m.opts.BackoffMax
		bo.MaxElapsedTime = 0
		bo.Reset()
		st.retry = bo
	}
	st.nextRetry = time.Now().Add(st.retry.NextBackOff())
}

func (m *Manager) establish(ctx context.Context, cfg *config.TargetConfig, token string) (*mcp.ClientSession, *mcp.Client, []*mcp.Tool, error) {
	var env map[string]string
	if cfg.Type == config.TransportStdio {
		resolved, err := config.ResolveEnv(cfg, m.opts.LookupEnv)
		if err != nil {
			return nil, nil, nil, err
		}
		if len(resolved.Missing) > 0 {
			m.setMissingEnv(cfg.Name, resolved.Missing)
			return nil, nil, nil, fmt.Errorf("%w: %s", ErrMissingEnv, strings.Join(resolved.Missing, ", "))
		}
		env = resolved.Values
	}

	header := make(http.Header, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dial := m.opts.Dial
	if dial == nil {
		dial = defaultDial
	}
	transport, err := dial(ctx, cfg, env, header)
	if err != nil {
		return nil, nil, nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = m.opts.DefaultTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	impl := &mcp.Implementation{Name: m.opts.ClientName, Version: m.opts.ClientVersion}
	client := mcp.NewClient(impl, &mcp.ClientOptions{
		ToolListChangedHandler: func(context.Context, *mcp.ToolListChangedRequest) {
			m.refreshTools(cfg.Name)
		},
	})
	session, err := client.Connect(connectCtx, transport, nil)
	if err != nil {
		if cfg.IsRemote() && cfg.Auth != nil && isAuthError(err) {
			return nil, nil, nil, fmt.Errorf("%w: %v", ErrPendingAuth, err)
		}
		return nil, nil, nil, err
	}

	tools, err := m.fetchTools(connectCtx, session)
	if err != nil {
		_ = session.Close()
		return nil, nil, nil, err
	}
	return session, client, tools, nil
}

func (m *Manager) setMissingEnv(name string, missing []string) {
	m.mu.Lock()
	if st, ok := m.states[name]; ok {
		st.missingEnv = append([]string(nil), missing...)
	}
	m.mu.Unlock()
}

func (m *Manager) fetchTools(ctx context.Context, session *mcp.ClientSession) ([]*mcp.Tool, error) {
	res, err := session.ListTools(ctx, nil)
	if err != nil {
		if isMethodUnavailableError(err, "tools/list") {
			return nil, nil
		}
		return nil, err
	}
	return res.Tools, nil
}

// refreshTools re-fetches the tool catalog after a list-changed notification.
func (m *Manager) refreshTools(name string) {
	m.mu.RLock()
	st, ok := m.states[name]
	var session *mcp.ClientSession
	if ok {
		session = st.session
	}
	m.mu.RUnlock()
	if session == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DefaultTimeout)
	defer cancel()
	tools, err := m.fetchTools(ctx, session)
	if err != nil {
		m.logger.Warn("tool refresh failed", zap.String("target", name), zap.Error(err))
		return
	}
	m.mu.Lock()
	if st, ok := m.states[name]; ok && st.session == session {
		st.tools = tools
	}
	m.mu.Unlock()
	m.notifyCatalogChanged(name)
}

// monitorSession clears the live session when it terminates and schedules a
// reconnect. Reconnection mutates the existing target in place, never a new
// identity.
func (m *Manager) monitorSession(name string, session *mcp.ClientSession) {
	err := session.Wait()
	m.mu.Lock()
	st, ok := m.states[name]
	stale := !ok || st.session != session
	if !stale {
		st.session = nil
		st.client = nil
		st.status = StatusConnectionFailed
		if err != nil {
			st.lastErr = err.Error()
		} else {
			st.lastErr = "session closed"
		}
		st.lastErrAt = time.Now()
		m.scheduleRetryLocked(st)
	}
	m.mu.Unlock()
	if stale {
		return
	}
	m.logger.Warn("target session ended", zap.String("target", name), zap.Error(err))
	m.notifyCatalogChanged(name)
}

// CallTool forwards a tool call to a connected target, recording usage on
// every completed call whether it succeeded or returned a caller-visible
// error.
func (m *Manager) CallTool(ctx context.Context, server string, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	m.mu.RLock()
	st, ok := m.states[server]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, server)
	}
	session := st.session
	timeout := st.cfg.Timeout
	m.mu.RUnlock()
	if session == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnavailable, server)
	}
	if timeout <= 0 {
		timeout = m.opts.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := session.CallTool(ctx, params)
	m.usage.record(server, params.Name, time.Now())
	return res, err
}

// Tools returns the last-discovered tool catalog for a target.
func (m *Manager) Tools(server string) []*mcp.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.states[server]; ok {
		return append([]*mcp.Tool(nil), st.tools...)
	}
	return nil
}

// ConnectedCatalog returns the tool catalogs of every active target whose
// connection state is a connected variant. This is the aggregation source.
func (m *Manager) ConnectedCatalog() map[string][]*mcp.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]*mcp.Tool)
	for name, st := range m.states {
		if st.active && st.session != nil {
			out[name] = append([]*mcp.Tool(nil), st.tools...)
		}
	}
	return out
}

// StatusOf derives the current state for a target. The running/stopped split
// is recomputed lazily from call recency, never stored.
func (m *Manager) StatusOf(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[name]
	if !ok {
		return "", false
	}
	return m.statusLocked(name, st), true
}

func (m *Manager) statusLocked(name string, st *targetState) Status {
	if st.connecting {
		return StatusConnecting
	}
	if st.session != nil {
		last := m.usage.lastCalled(name)
		if !last.IsZero() && time.Since(last) < m.opts.IdleThreshold {
			return StatusConnectedRunning
		}
		return StatusConnectedStopped
	}
	return st.status
}

// SetActive toggles the administrative flag. It is accepted in any state and
// does not touch the underlying connection.
func (m *Manager) SetActive(name string, active bool) error {
	m.mu.Lock()
	st, ok := m.states[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownTarget, name)
	}
	changed := st.active != active
	st.active = active
	st.cfg.Inactive = !active
	m.mu.Unlock()
	if changed {
		m.notifyCatalogChanged(name)
	}
	return nil
}

// Active reports the administrative flag for a target.
func (m *Manager) Active(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[name]
	return ok && st.active
}

// SupplyEnv accepts corrected environment values for a pending_input target
// and schedules a fresh dial. Values for fixed keys are rejected outright.
func (m *Manager) SupplyEnv(name string, env map[string]string) error {
	m.mu.Lock()
	st, ok := m.states[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownTarget, name)
	}
	for key := range env {
		if existing, ok := st.cfg.Env[key]; ok && existing.Kind == config.EnvFixed {
			m.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrFixedEnv, key)
		}
	}
	if st.cfg.Env == nil {
		st.cfg.Env = make(map[string]config.EnvValue, len(env))
	}
	for key, value := range env {
		kind := config.EnvRequired
		if existing, ok := st.cfg.Env[key]; ok {
			kind = existing.Kind
		}
		st.cfg.Env[key] = config.EnvValue{Kind: kind, Value: value}
	}
	st.missingEnv = nil
	st.status = StatusConnecting
	m.mu.Unlock()

	go m.connectBackground(name)
	return nil
}

// Retry forces an immediate dial attempt regardless of the backoff schedule.
func (m *Manager) Retry(ctx context.Context, name string) error {
	m.mu.Lock()
	st, ok := m.states[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownTarget, name)
	}
	st.nextRetry = time.Time{}
	m.mu.Unlock()
	return m.Connect(ctx, name)
}

// AddTarget registers a new target at runtime and dials it in the background.
func (m *Manager) AddTarget(cfg config.TargetConfig) error {
	m.mu.Lock()
	if _, exists := m.states[cfg.Name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("targets: %q already exists", cfg.Name)
	}
	m.states[cfg.Name] = &targetState{
		cfg:    cfg,
		active: !cfg.Inactive,
		status: StatusConnecting,
	}
	m.mu.Unlock()
	go m.connectBackground(cfg.Name)
	return nil
}

// RemoveTarget disconnects and forgets a target. Removing an unknown target
// is a no-op.
func (m *Manager) RemoveTarget(ctx context.Context, name string) error {
	m.mu.Lock()
	st, ok := m.states[name]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	session := st.session
	delete(m.states, name)
	m.mu.Unlock()

	m.usage.forget(name)
	m.notifyCatalogChanged(name)
	if session == nil {
		return nil
	}
	return closeSession(ctx, session)
}

// ApplyConfig reconciles the manager against a freshly committed document:
// new targets are added, removed targets torn down, active flags synced, and
// targets whose transport descriptor changed are redialed.
func (m *Manager) ApplyConfig(ctx context.Context, doc *config.Document) {
	wanted := make(map[string]config.TargetConfig, len(doc.TargetServers))
	for _, cfg := range doc.TargetServers {
		wanted[cfg.Name] = cfg
	}

	for _, name := range m.Names() {
		if _, keep := wanted[name]; !keep {
			if err := m.RemoveTarget(ctx, name); err != nil {
				m.logger.Warn("target removal failed", zap.String("target", name), zap.Error(err))
			}
		}
	}

	for name, cfg := range wanted {
		m.mu.Lock()
		st, exists := m.states[name]
		if !exists {
			m.mu.Unlock()
			if err := m.AddTarget(cfg); err != nil {
				m.logger.Warn("target add failed", zap.String("target", name), zap.Error(err))
			}
			continue
		}
		redial := transportChanged(&st.cfg, &cfg)
		session := st.session
		st.cfg = cfg
		st.active = !cfg.Inactive
		m.mu.Unlock()

		m.notifyCatalogChanged(name)
		if redial {
			if session != nil {
				_ = closeSession(ctx, session)
			}
			go m.connectBackground(name)
		}
	}
}

func transportChanged(old, next *config.TargetConfig) bool {
	return old.Type != next.Type ||
		old.Command != next.Command ||
		!reflect.DeepEqual(old.Args, next.Args) ||
		!reflect.DeepEqual(old.Env, next.Env) ||
		old.URL != next.URL ||
		!reflect.DeepEqual(old.Headers, next.Headers)
}

func (m *Manager) connectBackground(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DefaultTimeout)
	defer cancel()
	_ = m.Connect(ctx, name)
}

// Run dials every registered target and then retries failed ones on the
// backoff schedule until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	for _, name := range m.Names() {
		go m.connectBackground(name)
	}
	ticker := time.NewTicker(m.opts.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.retryDue()
		}
	}
}

func (m *Manager) retryDue() {
	now := time.Now()
	m.mu.RLock()
	var due []string
	for name, st := range m.states {
		if st.session == nil && !st.connecting &&
			st.status == StatusConnectionFailed && !st.nextRetry.After(now) {
			due = append(due, name)
		}
	}
	m.mu.RUnlock()
	for _, name := range due {
		go m.connectBackground(name)
	}
}

// Summaries snapshots every target for the administrative read surface.
func (m *Manager) Summaries() []Summary {
	m.mu.RLock()
	names := make([]string, 0, len(m.states))
	for name := range m.states {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	out := make([]Summary, 0, len(names))
	for _, name := range names {
		m.mu.RLock()
		st, ok := m.states[name]
		if !ok {
			m.mu.RUnlock()
			continue
		}
		summary := Summary{
			Name:       name,
			Status:     m.statusLocked(name, st),
			Inactive:   !st.active,
			LastError:  st.lastErr,
			MissingEnv: append([]string(nil), st.missingEnv...),
			Tools:      make([]ToolInfo, 0, len(st.tools)),
		}
		if !st.lastErrAt.IsZero() {
			at := st.lastErrAt
			summary.LastErrorAt = &at
		}
		for _, tool := range st.tools {
			summary.Tools = append(summary.Tools, ToolInfo{Name: tool.Name, Description: tool.Description})
		}
		m.mu.RUnlock()
		summary.Usage = m.usage.snapshot(name)
		out = append(out, summary)
	}
	return out
}

// Shutdown closes every live session concurrently.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sessions := make(map[string]*mcp.ClientSession)
	for name, st := range m.states {
		if st.session != nil {
			sessions[name] = st.session
			st.session = nil
			st.client = nil
			st.status = StatusConnectionFailed
			st.lastErr = "shutdown"
		}
	}
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for name, session := range sessions {
		g.Go(func() error {
			if err := closeSession(ctx, session); err != nil {
				return fmt.Errorf("close %q: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func closeSession(ctx context.Context, session *mcp.ClientSession) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	var closeErr error
	go func() {
		closeErr = session.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return closeErr
	}
}

func defaultDial(_ context.Context, cfg *config.TargetConfig, env map[string]string, header http.Header) (mcp.Transport, error) {
	switch cfg.Type {
	case config.TransportStdio:
		cmd := exec.Command(cfg.Command, cfg.Args...)
		if len(env) > 0 {
			merged := os.Environ()
			for k, v := range env {
				merged = append(merged, fmt.Sprintf("%s=%s", k, v))
			}
			cmd.Env = merged
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	case config.TransportSSE:
		return &mcp.SSEClientTransport{Endpoint: cfg.URL, HTTPClient: clientWithHeaders(header)}, nil
	case config.TransportStreamableHTTP:
		return &mcp.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: clientWithHeaders(header)}, nil
	default:
		return nil, fmt.Errorf("targets: unsupported transport %q for %q", cfg.Type, cfg.Name)
	}
}

func clientWithHeaders(header http.Header) *http.Client {
	if len(header) == 0 {
		return http.DefaultClient
	}
	clone := *http.DefaultClient
	clone.Transport = &headerRoundTripper{next: http.DefaultTransport, headers: header}
	return &clone
}

type headerRoundTripper struct {
	next    http.RoundTripper
	headers http.Header
}

func (rt *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, values := range rt.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	return rt.next.RoundTrip(req)
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized")
}

func isMethodUnavailableError(err error, method string) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unimplemented") {
		return true
	}
	return strings.Contains(lower, "unsupported") && strings.Contains(lower, strings.ToLower(method))
}
