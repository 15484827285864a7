// Package aggregator combines the live tool catalogs of every connected
// target with access-control decisions into the single tool surface exposed
// to one session. Each session gets its own virtual MCP server whose tool set
// reflects that session's identity; catalogs are rebuilt whenever target
// state or configuration changes materially.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/mcpxhq/mcpx/pkg/acl"
	"github.com/mcpxhq/mcpx/pkg/config"
	"github.com/mcpxhq/mcpx/pkg/metrics"
	"github.com/mcpxhq/mcpx/pkg/targets"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Identity is the session-scoped input to every aggregation and routing
// decision. It is produced by a callback so late-arriving metadata (the
// legacy transport delivers initialize after the connection) is picked up on
// the next rebuild or call.
type Identity struct {
	ConsumerTag string
	Probe       bool
}

// IdentityFunc supplies the current identity for a bound session.
type IdentityFunc func() Identity

// Aggregator owns the per-session virtual servers.
type Aggregator struct {
	targets  *targets.Manager
	engine   *acl.Engine
	store    *config.Store
	recorder *metrics.Recorder
	logger   *zap.Logger
	impl     *mcp.Implementation
	ns       Namespace

	mu       sync.Mutex
	bindings map[*binding]struct{}
}

type binding struct {
	server   *mcp.Server
	identity IdentityFunc

	mu         sync.Mutex
	registered map[string]struct{}
}

// entry resolves one externally visible name to its origin.
type entry struct {
	tool      *mcp.Tool
	server    string
	native    string
	overrides map[string]any
}

// New wires an Aggregator to its collaborators and subscribes it to target
// catalog changes and configuration commits so live sessions re-advertise
// their tools without reconnecting.
func New(mgr *targets.Manager, engine *acl.Engine, store *config.Store, recorder *metrics.Recorder, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		targets:  mgr,
		engine:   engine,
		store:    store,
		recorder: recorder,
		logger:   logger.Named("aggregator"),
		impl:     &mcp.Implementation{Name: "mcpx", Title: "MCPX Gateway", Version: "1.0.0"},
		bindings: make(map[*binding]struct{}),
	}
	mgr.OnCatalogChanged(func(string) { a.RefreshAll() })
	store.Subscribe(func(*config.Document) { a.RefreshAll() })
	return a
}

// BuildServer constructs the virtual server for one session and registers the
// tool catalog permitted for its identity. The returned detach func must be
// called when the session closes.
func (a *Aggregator) BuildServer(identity IdentityFunc) (*mcp.Server, func()) {
	b := &binding{
		server:     mcp.NewServer(a.impl, &mcp.ServerOptions{HasTools: true}),
		identity:   identity,
		registered: make(map[string]struct{}),
	}
	a.mu.Lock()
	a.bindings[b] = struct{}{}
	a.mu.Unlock()

	a.syncBinding(b)

	detach := func() {
		a.mu.Lock()
		delete(a.bindings, b)
		a.mu.Unlock()
	}
	return b.server, detach
}

// RefreshAll rebuilds the advertised tool set of every live session.
func (a *Aggregator) RefreshAll() {
	a.mu.Lock()
	bindings := lo.Keys(a.bindings)
	a.mu.Unlock()
	for _, b := range bindings {
		a.syncBinding(b)
	}
}

func (a *Aggregator) syncBinding(b *binding) {
	cat := a.catalog(b.identity())

	b.mu.Lock()
	defer b.mu.Unlock()

	var removed []string
	for name := range b.registered {
		if _, keep := cat[name]; !keep {
			removed = append(removed, name)
			delete(b.registered, name)
		}
	}
	if len(removed) > 0 {
		b.server.RemoveTools(removed...)
	}
	for name, e := range cat {
		// AddTool replaces an existing registration with the same name,
		// so changed descriptions or schemas land too.
		b.server.AddTool(e.tool, a.makeToolHandler(b, name))
		b.registered[name] = struct{}{}
	}
}

// catalog computes the visible name -> origin mapping for an identity. Denied
// tools are simply absent, which is what makes authorization failures
// indistinguishable from "not found".
func (a *Aggregator) catalog(id Identity) map[string]entry {
	view := a.engine.For(id.ConsumerTag)
	doc := view.Doc()
	out := make(map[string]entry)
	for server, tools := range a.targets.ConnectedCatalog() {
		for _, tool := range tools {
			if tool == nil || !view.Allowed(server, tool.Name) {
				continue
			}
			if ct, ok := doc.CustomToolFor(server, tool.Name); ok {
				out[ct.Name] = entry{
					tool:      customizeTool(ct, tool),
					server:    server,
					native:    tool.Name,
					overrides: ct.OverrideParams,
				}
				continue
			}
			visibleName := a.ns.ToolName(server, tool.Name)
			if _, taken := out[visibleName]; taken {
				// A custom tool already claimed this name; it wins.
				continue
			}
			clone := *tool
			clone.Name = visibleName
			out[visibleName] = entry{tool: &clone, server: server, native: tool.Name}
		}
	}
	return out
}

func (a *Aggregator) makeToolHandler(b *binding, visibleName string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args any
		if req.Params != nil {
			args = req.Params.Arguments
		}
		return a.call(ctx, b.identity(), visibleName, args)
	}
}

// call resolves a visible name against the caller's current identity and
// forwards to the owning target. Permission is re-checked at call time so a
// committed configuration change applies to the very next call.
func (a *Aggregator) call(ctx context.Context, id Identity, visibleName string, args any) (*mcp.CallToolResult, error) {
	cat := a.catalog(id)
	e, ok := cat[visibleName]
	if !ok {
		if server, down := a.disconnectedOwner(id, visibleName); down {
			return nil, fmt.Errorf("tool %q: target %q: %w", visibleName, server, targets.ErrUnavailable)
		}
		return nil, fmt.Errorf("tool %q not found", visibleName)
	}

	merged, err := mergeArguments(args, e.overrides)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, callErr := a.targets.CallTool(ctx, e.server, &mcp.CallToolParams{
		Name:      e.native,
		Arguments: merged,
	})
	if a.recorder != nil && !id.Probe {
		a.recorder.ToolCall(e.server, e.native, outcomeLabel(callErr), time.Since(start))
	}
	if callErr != nil {
		if errors.Is(callErr, targets.ErrUnavailable) {
			return nil, fmt.Errorf("tool %q: target %q: %w", visibleName, e.server, targets.ErrUnavailable)
		}
		return nil, callErr
	}
	return res, nil
}

// disconnectedOwner resolves a visible name that missed the catalog back to
// its owning target. It reports the target only when it is known, active, and
// permitted for the caller but currently has no live connection; such calls
// surface the outage instead of reading as nonexistent. Unknown names and
// masked denials stay indistinguishable from each other.
func (a *Aggregator) disconnectedOwner(id Identity, visibleName string) (string, bool) {
	view := a.engine.For(id.ConsumerTag)
	doc := view.Doc()

	server, native, ok := a.ns.Native(visibleName)
	if !ok {
		for i := range doc.CustomTools {
			if doc.CustomTools[i].Name == visibleName {
				server, native = doc.CustomTools[i].Service, doc.CustomTools[i].Tool
				ok = true
				break
			}
		}
	}
	if !ok || !view.Allowed(server, native) || !a.targets.Active(server) {
		return "", false
	}
	status, known := a.targets.StatusOf(server)
	if !known || status.Connected() {
		return "", false
	}
	return server, true
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, targets.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, targets.ErrUnknownTarget):
		return "not_found"
	default:
		return "error"
	}
}

// mergeArguments folds override parameters into caller-supplied arguments
// with override values taking precedence. Callers never see the overridden
// keys in the schema, so a colliding caller value is silently replaced.
func mergeArguments(args any, overrides map[string]any) (map[string]any, error) {
	merged := make(map[string]any)
	switch v := args.(type) {
	case nil:
	case map[string]any:
		for k, val := range v {
			merged[k] = val
		}
	case json.RawMessage:
		if len(v) > 0 {
			if err := json.Unmarshal(v, &merged); err != nil {
				return nil, fmt.Errorf("aggregator: decode arguments: %w", err)
			}
		}
	case []byte:
		if len(v) > 0 {
			if err := json.Unmarshal(v, &merged); err != nil {
				return nil, fmt.Errorf("aggregator: decode arguments: %w", err)
			}
		}
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("aggregator: encode arguments: %w", err)
		}
		if err := json.Unmarshal(data, &merged); err != nil {
			return nil, fmt.Errorf("aggregator: decode arguments: %w", err)
		}
	}
	for k, val := range overrides {
		merged[k] = val
	}
	return merged, nil
}

// customizeTool produces the externally visible shape of a custom tool:
// rewritten name and description, overridden parameters stripped from the
// schema, and per-parameter description annotations applied.
func customizeTool(ct *config.CustomTool, origin *mcp.Tool) *mcp.Tool {
	visible := *origin
	visible.Name = ct.Name
	if ct.Description != nil {
		switch ct.Description.Action {
		case config.DescriptionRewrite:
			visible.Description = ct.Description.Text
		case config.DescriptionAppend:
			visible.Description = origin.Description + "\n\n" + ct.Description.Text
		}
	}
	if len(ct.OverrideParams) == 0 && len(ct.ParamDescriptions) == 0 {
		return &visible
	}
	schema := cloneSchema(origin.InputSchema)
	if schema == nil {
		return &visible
	}
	for param := range ct.OverrideParams {
		delete(schema.Properties, param)
		schema.Required = lo.Without(schema.Required, param)
	}
	for param, desc := range ct.ParamDescriptions {
		if prop, ok := schema.Properties[param]; ok && prop != nil {
			prop.Description = desc
		}
	}
	visible.InputSchema = schema
	return &visible
}

// cloneSchema deep-copies an input schema into its typed form. Tool schemas
// carried by the SDK are untyped: targets built in-process hand over
// *jsonschema.Schema values while schemas fetched off the wire arrive as
// generic maps, and the JSON round trip normalizes both.
func cloneSchema(s any) *jsonschema.Schema {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var out jsonschema.Schema
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}
