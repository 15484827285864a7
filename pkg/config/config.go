// Package config defines the gateway's externally supplied configuration
// document: target server definitions, agent profiles, tool groups, and custom
// tool extensions. The document is immutable once loaded; updates go through
// Store, which swaps the whole document atomically so readers observe either
// the old or the new configuration, never a mix.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TransportKind identifies how a target server is reached.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportSSE            TransportKind = "sse"
	TransportStreamableHTTP TransportKind = "streamable-http"
)

// EnvKind classifies an environment requirement for a stdio target.
type EnvKind string

const (
	// EnvFixed values are server-supplied and must not appear in user
	// configuration at all.
	EnvFixed EnvKind = "fixed"
	// EnvRequired values must resolve to a non-blank string.
	EnvRequired EnvKind = "required"
	// EnvOptional values may be explicitly empty, which is distinct from
	// being absent.
	EnvOptional EnvKind = "optional"
)

// EnvValue is one environment entry for a target. The value is either a
// literal or an indirection into the gateway process's own environment
// (FromEnv). The scalar YAML shorthand `KEY: value` decodes as a required
// literal.
type EnvValue struct {
	Kind    EnvKind `yaml:"kind" json:"kind"`
	Value   string  `yaml:"value" json:"value,omitempty"`
	FromEnv string  `yaml:"fromEnv" json:"fromEnv,omitempty"`
}

// UnmarshalYAML accepts both the scalar shorthand and the full mapping form.
func (v *EnvValue) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		v.Kind = EnvRequired
		return node.Decode(&v.Value)
	}
	type plain EnvValue
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*v = EnvValue(p)
	if v.Kind == "" {
		v.Kind = EnvRequired
	}
	switch v.Kind {
	case EnvFixed, EnvRequired, EnvOptional:
		return nil
	default:
		return fmt.Errorf("config: unknown env kind %q", v.Kind)
	}
}

// DeviceAuthConfig describes the device-code authorization endpoints for a
// remote target that requires interactive login.
type DeviceAuthConfig struct {
	ClientID      string   `yaml:"clientId" json:"clientId"`
	DeviceAuthURL string   `yaml:"deviceAuthUrl" json:"deviceAuthUrl"`
	TokenURL      string   `yaml:"tokenUrl" json:"tokenUrl"`
	Scopes        []string `yaml:"scopes" json:"scopes,omitempty"`
}

// TargetConfig describes one backend MCP server. Exactly one transport family
// applies depending on Type: stdio targets use Command/Args/Env, remote
// targets use URL/Headers.
type TargetConfig struct {
	Name string        `yaml:"name" json:"name"`
	Type TransportKind `yaml:"type" json:"type"`

	Command string              `yaml:"command" json:"command,omitempty"`
	Args    []string            `yaml:"args" json:"args,omitempty"`
	Env     map[string]EnvValue `yaml:"env" json:"env,omitempty"`

	URL     string            `yaml:"url" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`

	Auth *DeviceAuthConfig `yaml:"auth" json:"auth,omitempty"`

	// Inactive excludes the target from aggregation without touching its
	// connection state.
	Inactive bool `yaml:"inactive" json:"inactive"`

	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// IsRemote reports whether the target is reached over HTTP.
func (t *TargetConfig) IsRemote() bool {
	return t.Type == TransportSSE || t.Type == TransportStreamableHTTP
}

// Permission is an agent profile's base decision.
type Permission string

const (
	PermissionAllow    Permission = "allow"
	PermissionBlock    Permission = "block"
	PermissionAllowAll Permission = "allow-all"
	PermissionBlockAll Permission = "block-all"
)

// Profile binds a set of agent identifiers to a base permission and a list of
// tool groups acting as exceptions. A profile with an empty agent set is only
// legal as the default profile.
type Profile struct {
	Name       string     `yaml:"name" json:"name"`
	Agents     []string   `yaml:"agents" json:"agents,omitempty"`
	Permission Permission `yaml:"permission" json:"permission"`
	ToolGroups []string   `yaml:"toolGroups" json:"toolGroups,omitempty"`
}

// ToolGroup names a set of (server, tool) pairs. It carries no permission
// semantics of its own.
type ToolGroup struct {
	Name     string              `yaml:"name" json:"name"`
	Services map[string][]string `yaml:"services" json:"services"`
}

// Contains reports whether the group names the exact (server, tool) pair.
func (g *ToolGroup) Contains(server, tool string) bool {
	for _, t := range g.Services[server] {
		if t == tool {
			return true
		}
	}
	return false
}

// Permissions groups the access-control half of the document.
type Permissions struct {
	Default    *Profile    `yaml:"default" json:"default,omitempty"`
	Profiles   []Profile   `yaml:"profiles" json:"profiles,omitempty"`
	ToolGroups []ToolGroup `yaml:"toolGroups" json:"toolGroups,omitempty"`
}

// DescriptionAction selects how a custom tool's description relates to its
// origin tool's description.
type DescriptionAction string

const (
	DescriptionAppend  DescriptionAction = "append"
	DescriptionRewrite DescriptionAction = "rewrite"
)

// DescriptionOverride rewrites or extends the origin tool's description.
type DescriptionOverride struct {
	Action DescriptionAction `yaml:"action" json:"action"`
	Text   string            `yaml:"text" json:"text"`
}

// CustomTool is a derived, named view of exactly one origin tool: a rewritten
// name/description plus parameter values injected at call time and invisible
// to the caller.
type CustomTool struct {
	Name        string               `yaml:"name" json:"name"`
	Service     string               `yaml:"service" json:"service"`
	Tool        string               `yaml:"tool" json:"tool"`
	Description *DescriptionOverride `yaml:"description" json:"description,omitempty"`
	// OverrideParams are merged into caller arguments with override values
	// taking precedence; overridden parameters are hidden from the visible
	// input schema.
	OverrideParams map[string]any `yaml:"overrideParams" json:"overrideParams,omitempty"`
	// ParamDescriptions annotates remaining schema parameters.
	ParamDescriptions map[string]string `yaml:"paramDescriptions" json:"paramDescriptions,omitempty"`
}

// Document is the whole gateway configuration.
type Document struct {
	TargetServers []TargetConfig `yaml:"targetServers" json:"targetServers"`
	Permissions   Permissions    `yaml:"permissions" json:"permissions"`
	CustomTools   []CustomTool   `yaml:"customTools" json:"customTools,omitempty"`
}

// Target returns the named target config, if present.
func (d *Document) Target(name string) (*TargetConfig, bool) {
	for i := range d.TargetServers {
		if d.TargetServers[i].Name == name {
			return &d.TargetServers[i], true
		}
	}
	return nil, false
}

// Group returns the named tool group, if present.
func (d *Document) Group(name string) (*ToolGroup, bool) {
	for i := range d.Permissions.ToolGroups {
		if d.Permissions.ToolGroups[i].Name == name {
			return &d.Permissions.ToolGroups[i], true
		}
	}
	return nil, false
}

// CustomToolFor returns the custom tool derived from (server, tool), if any.
func (d *Document) CustomToolFor(server, tool string) (*CustomTool, bool) {
	for i := range d.CustomTools {
		ct := &d.CustomTools[i]
		if ct.Service == server && ct.Tool == tool {
			return ct, true
		}
	}
	return nil, false
}

// DefaultProfile returns the document's default profile, synthesizing a
// block-all default when the document omits one.
func (d *Document) DefaultProfile() *Profile {
	if d.Permissions.Default != nil {
		return d.Permissions.Default
	}
	return &Profile{Name: "default", Permission: PermissionBlockAll}
}

// Parse decodes a YAML document. The input may equally be JSON since YAML is
// a superset.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return &doc, nil
}

// Load reads and decodes the document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Validate checks document-level invariants: unique target and custom tool
// names, a single claim per agent identifier, resolvable tool-group
// references, and no user-supplied values for fixed env keys.
func (d *Document) Validate() error {
	seenTargets := make(map[string]struct{}, len(d.TargetServers))
	for i := range d.TargetServers {
		t := &d.TargetServers[i]
		if t.Name == "" {
			return fmt.Errorf("config: target %d has no name", i)
		}
		if _, dup := seenTargets[t.Name]; dup {
			return fmt.Errorf("config: duplicate target %q", t.Name)
		}
		seenTargets[t.Name] = struct{}{}
		switch t.Type {
		case TransportStdio:
			if t.Command == "" {
				return fmt.Errorf("config: target %q: command is required for stdio", t.Name)
			}
		case TransportSSE, TransportStreamableHTTP:
			if t.URL == "" {
				return fmt.Errorf("config: target %q: url is required for %s", t.Name, t.Type)
			}
		default:
			return fmt.Errorf("config: target %q: unknown transport %q", t.Name, t.Type)
		}
		for key, val := range t.Env {
			if val.Kind == EnvFixed && (val.Value != "" || val.FromEnv != "") {
				return fmt.Errorf("config: target %q: env %q is fixed and cannot be set", t.Name, key)
			}
		}
	}

	groups := make(map[string]struct{}, len(d.Permissions.ToolGroups))
	for _, g := range d.Permissions.ToolGroups {
		if g.Name == "" {
			return fmt.Errorf("config: tool group without a name")
		}
		if _, dup := groups[g.Name]; dup {
			return fmt.Errorf("config: duplicate tool group %q", g.Name)
		}
		groups[g.Name] = struct{}{}
	}

	claimed := make(map[string]string)
	checkProfile := func(p *Profile, isDefault bool) error {
		switch p.Permission {
		case PermissionAllow, PermissionBlock, PermissionAllowAll, PermissionBlockAll:
		default:
			return fmt.Errorf("config: profile %q: unknown permission %q", p.Name, p.Permission)
		}
		if !isDefault && len(p.Agents) == 0 {
			return fmt.Errorf("config: profile %q claims no agents", p.Name)
		}
		for _, agent := range p.Agents {
			if prev, ok := claimed[agent]; ok {
				return fmt.Errorf("config: agent %q claimed by both %q and %q", agent, prev, p.Name)
			}
			claimed[agent] = p.Name
		}
		for _, ref := range p.ToolGroups {
			if _, ok := groups[ref]; !ok {
				return fmt.Errorf("config: profile %q references unknown tool group %q", p.Name, ref)
			}
		}
		return nil
	}
	if d.Permissions.Default != nil {
		if err := checkProfile(d.Permissions.Default, true); err != nil {
			return err
		}
	}
	for i := range d.Permissions.Profiles {
		if err := checkProfile(&d.Permissions.Profiles[i], false); err != nil {
			return err
		}
	}

	customNames := make(map[string]struct{}, len(d.CustomTools))
	for _, ct := range d.CustomTools {
		if ct.Name == "" || ct.Service == "" || ct.Tool == "" {
			return fmt.Errorf("config: custom tool needs name, service, and tool")
		}
		if strings.Contains(ct.Name, Delimiter) {
			return fmt.Errorf("config: custom tool %q must not contain %q", ct.Name, Delimiter)
		}
		if _, dup := customNames[ct.Name]; dup {
			return fmt.Errorf("config: duplicate custom tool %q", ct.Name)
		}
		customNames[ct.Name] = struct{}{}
	}
	return nil
}

// Delimiter separates the server and tool halves of a composite tool name.
const Delimiter = "__"
