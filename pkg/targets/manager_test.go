package targets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/mcpxhq/mcpx/pkg/config"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// inMemoryDial returns a DialFunc that serves the given tools over an
// in-memory pipe instead of spawning a subprocess or opening a socket.
func inMemoryDial(tools ...string) DialFunc {
	return func(_ context.Context, cfg *config.TargetConfig, _ map[string]string, _ http.Header) (mcp.Transport, error) {
		server := mcp.NewServer(&mcp.Implementation{Name: cfg.Name, Version: "1.0.0"}, nil)
		for _, name := range tools {
			server.AddTool(&mcp.Tool{
				Name:        name,
				Description: "test tool " + name,
				InputSchema: &jsonschema.Schema{Type: "object"},
			}, func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return &mcp.CallToolResult{
					Content: []mcp.Content{&mcp.TextContent{Text: "ok"}},
				}, nil
			})
		}
		clientTransport, serverTransport := mcp.NewInMemoryTransports()
		if _, err := server.Connect(context.Background(), serverTransport, nil); err != nil {
			return nil, err
		}
		return clientTransport, nil
	}
}

func stdioTarget(name string) config.TargetConfig {
	return config.TargetConfig{Name: name, Type: config.TransportStdio, Command: "echo"}
}

func TestManagerInitialTargets(t *testing.T) {
	t.Parallel()

	m := NewManager([]config.TargetConfig{stdioTarget("alpha"), stdioTarget("beta")}, nil)

	names := m.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Fatalf("Names() = %v, expected [alpha beta]", names)
	}
	if !m.Has("alpha") || m.Has("ghost") {
		t.Fatalf("Has() answered wrong for known/unknown targets")
	}

	status, ok := m.StatusOf("alpha")
	if !ok || status != StatusConnecting {
		t.Fatalf("fresh target status = %q, expected %q", status, StatusConnecting)
	}
}

func TestConnectAndCallTool(t *testing.T) {
	t.Parallel()

	m := NewManager([]config.TargetConfig{stdioTarget("files")}, &Options{
		Dial: inMemoryDial("read_file", "list_dir"),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.Connect(ctx, "files"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	status, _ := m.StatusOf("files")
	if status != StatusConnectedStopped {
		t.Fatalf("status after connect = %q, expected %q", status, StatusConnectedStopped)
	}

	tools := m.Tools("files")
	if len(tools) != 2 {
		t.Fatalf("expected 2 discovered tools, got %d", len(tools))
	}

	catalog := m.ConnectedCatalog()
	if len(catalog["files"]) != 2 {
		t.Fatalf("connected catalog missing tools: %v", catalog)
	}

	res, err := m.CallTool(ctx, "files", &mcp.CallToolParams{Name: "read_file"})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if len(res.Content) == 0 {
		t.Fatalf("empty tool result")
	}

	// A recent call flips the derived state to running.
	status, _ = m.StatusOf("files")
	if status != StatusConnectedRunning {
		t.Fatalf("status after call = %q, expected %q", status, StatusConnectedRunning)
	}

	summaries := m.Summaries()
	if len(summaries) != 1 {
		t.Fatalf("expected one summary, got %d", len(summaries))
	}
	usage := summaries[0].Usage
	if usage.CallCount != 1 {
		t.Fatalf("usage not recorded: %+v", usage)
	}

	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestConnectCollapsesConcurrentDials(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	base := inMemoryDial("t")
	m := NewManager([]config.TargetConfig{stdioTarget("x")}, &Options{
		Dial: func(ctx context.Context, cfg *config.TargetConfig, env map[string]string, h http.Header) (mcp.Transport, error) {
			dials.Add(1)
			time.Sleep(50 * time.Millisecond)
			return base(ctx, cfg, env, h)
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() { errCh <- m.Connect(ctx, "x") }()
	}
	for i := 0; i < 4; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("concurrent Connect failed: %v", err)
		}
	}
	if got := dials.Load(); got != 1 {
		t.Fatalf("expected a single dial, got %d", got)
	}
}

func TestMissingEnvBlocksDial(t *testing.T) {
	t.Parallel()

	cfg := stdioTarget("needy")
	cfg.Env = map[string]config.EnvValue{
		"API_KEY": {Kind: config.EnvRequired, FromEnv: "NEEDY_API_KEY"},
	}
	m := NewManager([]config.TargetConfig{cfg}, &Options{
		Dial:      inMemoryDial("t"),
		LookupEnv: func(string) (string, bool) { return "", false },
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := m.Connect(ctx, "needy")
	if !errors.Is(err, ErrMissingEnv) {
		t.Fatalf("Connect error = %v, expected ErrMissingEnv", err)
	}

	status, _ := m.StatusOf("needy")
	if status != StatusPendingInput {
		t.Fatalf("status = %q, expected %q", status, StatusPendingInput)
	}

	summaries := m.Summaries()
	if len(summaries) != 1 || len(summaries[0].MissingEnv) != 1 || summaries[0].MissingEnv[0] != "API_KEY" {
		t.Fatalf("missing env not surfaced: %+v", summaries)
	}

	// Other targets keep connecting; the blocked one never leaks into the
	// aggregation catalog.
	if len(m.ConnectedCatalog()) != 0 {
		t.Fatalf("pending target leaked into the catalog")
	}
}

func TestSupplyEnvResumesDial(t *testing.T) {
	t.Parallel()

	cfg := stdioTarget("needy")
	cfg.Env = map[string]config.EnvValue{
		"API_KEY": {Kind: config.EnvRequired, FromEnv: "NEEDY_API_KEY"},
	}
	m := NewManager([]config.TargetConfig{cfg}, &Options{
		Dial:      inMemoryDial("t"),
		LookupEnv: func(string) (string, bool) { return "", false },
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.Connect(ctx, "needy"); !errors.Is(err, ErrMissingEnv) {
		t.Fatalf("expected ErrMissingEnv, got %v", err)
	}

	if err := m.SupplyEnv("needy", map[string]string{"API_KEY": "secret"}); err != nil {
		t.Fatalf("SupplyEnv failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		status, _ := m.StatusOf("needy")
		if status == StatusConnectedStopped {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("target never connected after SupplyEnv, status %q", status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSupplyEnvRejectsFixedKeys(t *testing.T) {
	t.Parallel()

	cfg := stdioTarget("locked")
	cfg.Env = map[string]config.EnvValue{"SECRET": {Kind: config.EnvFixed}}
	m := NewManager([]config.TargetConfig{cfg}, nil)

	err := m.SupplyEnv("locked", map[string]string{"SECRET": "override"})
	if !errors.Is(err, ErrFixedEnv) {
		t.Fatalf("expected ErrFixedEnv, got %v", err)
	}
}

func TestDialFailureEntersRetrySchedule(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	base := inMemoryDial("t")
	m := NewManager([]config.TargetConfig{stdioTarget("flaky")}, &Options{
		Dial: func(ctx context.Context, cfg *config.TargetConfig, env map[string]string, h http.Header) (mcp.Transport, error) {
			if !healthy.Load() {
				return nil, fmt.Errorf("dial tcp: connection refused")
			}
			return base(ctx, cfg, env, h)
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.Connect(ctx, "flaky"); err == nil {
		t.Fatalf("expected dial failure")
	}
	status, _ := m.StatusOf("flaky")
	if status != StatusConnectionFailed {
		t.Fatalf("status = %q, expected %q", status, StatusConnectionFailed)
	}
	summaries := m.Summaries()
	if summaries[0].LastError == "" || summaries[0].LastErrorAt == nil {
		t.Fatalf("failure detail not recorded: %+v", summaries[0])
	}

	// A forced retry bypasses the backoff schedule.
	healthy.Store(true)
	if err := m.Retry(ctx, "flaky"); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	status, _ = m.StatusOf("flaky")
	if !status.Connected() {
		t.Fatalf("status after retry = %q, expected a connected variant", status)
	}
}

func TestRetryPacedByBackoff(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	m := NewManager([]config.TargetConfig{stdioTarget("down")}, &Options{
		Dial: func(context.Context, *config.TargetConfig, map[string]string, http.Header) (mcp.Transport, error) {
			dials.Add(1)
			return nil, fmt.Errorf("dial tcp: connection refused")
		},
		BackoffInitial: 300 * time.Millisecond,
		BackoffMax:     300 * time.Millisecond,
		RetryInterval:  10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for dials.Load() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("initial dial never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Randomization keeps the first retry at least 150ms after the failure,
	// so nothing may redial inside the first 100ms even though the scan loop
	// runs every 10ms.
	time.Sleep(100 * time.Millisecond)
	if got := dials.Load(); got != 1 {
		t.Fatalf("retried before the backoff elapsed: %d dials", got)
	}

	for dials.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("scheduled retry never happened")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSetActiveGatesCatalogOnly(t *testing.T) {
	t.Parallel()

	m := NewManager([]config.TargetConfig{stdioTarget("files")}, &Options{
		Dial: inMemoryDial("read_file"),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var notifications atomic.Int32
	m.OnCatalogChanged(func(string) { notifications.Add(1) })

	if err := m.Connect(ctx, "files"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if len(m.ConnectedCatalog()) != 1 {
		t.Fatalf("active connected target missing from catalog")
	}

	if err := m.SetActive("files", false); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	if len(m.ConnectedCatalog()) != 0 {
		t.Fatalf("inactive target still in catalog")
	}

	// The connection itself is untouched.
	status, _ := m.StatusOf("files")
	if !status.Connected() {
		t.Fatalf("deactivation dropped the connection, status %q", status)
	}

	if err := m.SetActive("files", true); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	if len(m.ConnectedCatalog()) != 1 {
		t.Fatalf("reactivated target missing from catalog")
	}
	if notifications.Load() < 3 {
		t.Fatalf("expected catalog notifications for connect and both toggles, got %d", notifications.Load())
	}
}

func TestCallToolErrors(t *testing.T) {
	t.Parallel()

	m := NewManager([]config.TargetConfig{stdioTarget("down")}, nil)
	ctx := context.Background()

	_, err := m.CallTool(ctx, "ghost", &mcp.CallToolParams{Name: "t"})
	if !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("expected ErrUnknownTarget, got %v", err)
	}

	_, err = m.CallTool(ctx, "down", &mcp.CallToolParams{Name: "t"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestAddAndRemoveTarget(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, &Options{Dial: inMemoryDial("t")})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.AddTarget(stdioTarget("late")); err != nil {
		t.Fatalf("AddTarget failed: %v", err)
	}
	if err := m.AddTarget(stdioTarget("late")); err == nil {
		t.Fatalf("duplicate AddTarget should fail")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if status, _ := m.StatusOf("late"); status.Connected() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("added target never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := m.RemoveTarget(ctx, "late"); err != nil {
		t.Fatalf("RemoveTarget failed: %v", err)
	}
	if m.Has("late") {
		t.Fatalf("removed target still known")
	}
	if err := m.RemoveTarget(ctx, "late"); err != nil {
		t.Fatalf("removing an unknown target should be a no-op, got %v", err)
	}
}

func TestApplyConfigReconciles(t *testing.T) {
	t.Parallel()

	m := NewManager([]config.TargetConfig{stdioTarget("keep"), stdioTarget("drop")}, &Options{
		Dial: inMemoryDial("t"),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.Connect(ctx, "keep"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	kept := stdioTarget("keep")
	kept.Inactive = true
	m.ApplyConfig(ctx, &config.Document{
		TargetServers: []config.TargetConfig{kept, stdioTarget("new")},
	})

	if m.Has("drop") {
		t.Fatalf("dropped target still known")
	}
	if !m.Has("new") {
		t.Fatalf("new target not added")
	}
	if m.Active("keep") {
		t.Fatalf("inactive flag not synced")
	}
	// Same transport descriptor, so the live session survives the update.
	if status, _ := m.StatusOf("keep"); !status.Connected() {
		t.Fatalf("unchanged target was redialed, status %q", status)
	}
}

func TestMonitorDetectsSessionEnd(t *testing.T) {
	t.Parallel()

	m := NewManager([]config.TargetConfig{stdioTarget("fragile")}, &Options{
		Dial: inMemoryDial("t"),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.Connect(ctx, "fragile"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	m.mu.RLock()
	session := m.states["fragile"].session
	m.mu.RUnlock()
	_ = session.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		status, _ := m.StatusOf("fragile")
		if status == StatusConnectionFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session end not observed, status %q", status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(m.ConnectedCatalog()) != 0 {
		t.Fatalf("dead target still in catalog")
	}
}
