// Package acl evaluates whether an agent may invoke a tool on a target
// server. Decisions are pure functions of the live configuration document, so
// a committed configuration change is visible to the very next call without
// reconnecting any session.
package acl

import (
	"github.com/mcpxhq/mcpx/pkg/config"
	"github.com/samber/lo"
)

// Engine resolves agent profiles and per-tool decisions against the current
// configuration. Each decision reads one document snapshot, so a concurrent
// commit is observed wholly or not at all.
type Engine struct {
	store *config.Store
}

// NewEngine builds an Engine reading from store.
func NewEngine(store *config.Store) *Engine {
	return &Engine{store: store}
}

// View captures one document snapshot together with the profile resolved for
// a consumer tag. All decisions made through the same View are mutually
// consistent.
type View struct {
	doc     *config.Document
	Profile *config.Profile
}

// For resolves the profile claiming the consumer tag, else the default
// profile. Validation guarantees at most one non-default profile claims any
// given agent.
func (e *Engine) For(consumerTag string) View {
	doc := e.store.Current()
	if consumerTag != "" {
		for i := range doc.Permissions.Profiles {
			p := &doc.Permissions.Profiles[i]
			if lo.Contains(p.Agents, consumerTag) {
				return View{doc: doc, Profile: p}
			}
		}
	}
	return View{doc: doc, Profile: doc.DefaultProfile()}
}

// Allowed reports whether the view's profile permits (server, tool). For
// allow-all and block-all the base permission applies uniformly and tool
// groups are ignored; for allow and block a tool-group hit inverts the base
// decision for that exact pair only.
func (v View) Allowed(server, tool string) bool {
	switch v.Profile.Permission {
	case config.PermissionAllowAll:
		return true
	case config.PermissionBlockAll:
		return false
	case config.PermissionAllow:
		return !v.inGroups(server, tool)
	case config.PermissionBlock:
		return v.inGroups(server, tool)
	default:
		return false
	}
}

func (v View) inGroups(server, tool string) bool {
	for _, ref := range v.Profile.ToolGroups {
		group, ok := v.doc.Group(ref)
		if !ok {
			// Stale references resolve to "no match".
			continue
		}
		if group.Contains(server, tool) {
			return true
		}
	}
	return false
}

// Doc exposes the snapshot the view was resolved against, so callers that
// need further document reads stay consistent with the decision.
func (v View) Doc() *config.Document {
	return v.doc
}

// Allowed is the one-shot form: resolve the consumer tag and decide for a
// single (server, tool) pair against the same snapshot.
func (e *Engine) Allowed(consumerTag, server, tool string) bool {
	return e.For(consumerTag).Allowed(server, tool)
}
