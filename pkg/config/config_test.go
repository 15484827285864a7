package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `
targetServers:
  - name: time
    type: stdio
    command: uvx
    args: ["mcp-server-time"]
    env:
      TZ: "UTC"
      API_KEY:
        kind: required
        fromEnv: TIME_API_KEY
      DEBUG:
        kind: optional
        value: ""
  - name: search
    type: streamable-http
    url: https://search.example.com/mcp
    headers:
      Authorization: "Bearer abc"
permissions:
  default:
    permission: block
    toolGroups: [writes]
  profiles:
    - name: developers
      agents: [dev-team]
      permission: allow
      toolGroups: [writes]
  toolGroups:
    - name: writes
      services:
        time: [set_time]
customTools:
  - name: time_in_nyc
    service: time
    tool: get_time
    description:
      action: rewrite
      text: "Current time in New York."
    overrideParams:
      timezone: America/New_York
`

func TestParseFullDocument(t *testing.T) {
	t.Parallel()

	doc, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)
	require.NoError(t, doc.Validate())

	require.Len(t, doc.TargetServers, 2)

	tgt, ok := doc.Target("time")
	require.True(t, ok)
	assert.Equal(t, TransportStdio, tgt.Type)
	assert.Equal(t, "uvx", tgt.Command)

	// Scalar shorthand decodes as a required literal.
	tz := tgt.Env["TZ"]
	assert.Equal(t, EnvRequired, tz.Kind)
	assert.Equal(t, "UTC", tz.Value)

	key := tgt.Env["API_KEY"]
	assert.Equal(t, EnvRequired, key.Kind)
	assert.Equal(t, "TIME_API_KEY", key.FromEnv)

	dbg := tgt.Env["DEBUG"]
	assert.Equal(t, EnvOptional, dbg.Kind)

	search, ok := doc.Target("search")
	require.True(t, ok)
	assert.True(t, search.IsRemote())
	assert.Equal(t, "Bearer abc", search.Headers["Authorization"])

	group, ok := doc.Group("writes")
	require.True(t, ok)
	assert.True(t, group.Contains("time", "set_time"))
	assert.False(t, group.Contains("time", "get_time"))
	assert.False(t, group.Contains("search", "set_time"))

	ct, ok := doc.CustomToolFor("time", "get_time")
	require.True(t, ok)
	assert.Equal(t, "time_in_nyc", ct.Name)
	assert.Equal(t, "America/New_York", ct.OverrideParams["timezone"])
}

func TestParseRejectsUnknownEnvKind(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`
targetServers:
  - name: x
    type: stdio
    command: echo
    env:
      A:
        kind: bogus
        value: v
`))
	assert.ErrorContains(t, err, "unknown env kind")
}

func TestDefaultProfileSynthesized(t *testing.T) {
	t.Parallel()

	doc := &Document{}
	p := doc.DefaultProfile()
	require.NotNil(t, p)
	assert.Equal(t, PermissionBlockAll, p.Permission)
}

func TestValidateFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		doc     Document
		wantErr string
	}{
		{
			name: "duplicate target",
			doc: Document{TargetServers: []TargetConfig{
				{Name: "a", Type: TransportStdio, Command: "echo"},
				{Name: "a", Type: TransportStdio, Command: "echo"},
			}},
			wantErr: "duplicate target",
		},
		{
			name: "stdio without command",
			doc: Document{TargetServers: []TargetConfig{
				{Name: "a", Type: TransportStdio},
			}},
			wantErr: "command is required",
		},
		{
			name: "remote without url",
			doc: Document{TargetServers: []TargetConfig{
				{Name: "a", Type: TransportSSE},
			}},
			wantErr: "url is required",
		},
		{
			name: "unknown transport",
			doc: Document{TargetServers: []TargetConfig{
				{Name: "a", Type: "carrier-pigeon"},
			}},
			wantErr: "unknown transport",
		},
		{
			name: "fixed env with user value",
			doc: Document{TargetServers: []TargetConfig{
				{Name: "a", Type: TransportStdio, Command: "echo",
					Env: map[string]EnvValue{"K": {Kind: EnvFixed, Value: "v"}}},
			}},
			wantErr: "fixed and cannot be set",
		},
		{
			name: "agent claimed twice",
			doc: Document{Permissions: Permissions{Profiles: []Profile{
				{Name: "p1", Agents: []string{"a"}, Permission: PermissionAllow},
				{Name: "p2", Agents: []string{"a"}, Permission: PermissionBlock},
			}}},
			wantErr: "claimed by both",
		},
		{
			name: "profile without agents",
			doc: Document{Permissions: Permissions{Profiles: []Profile{
				{Name: "p1", Permission: PermissionAllow},
			}}},
			wantErr: "claims no agents",
		},
		{
			name: "unknown tool group reference",
			doc: Document{Permissions: Permissions{Profiles: []Profile{
				{Name: "p1", Agents: []string{"a"}, Permission: PermissionAllow, ToolGroups: []string{"ghost"}},
			}}},
			wantErr: "unknown tool group",
		},
		{
			name: "duplicate tool group",
			doc: Document{Permissions: Permissions{ToolGroups: []ToolGroup{
				{Name: "g"}, {Name: "g"},
			}}},
			wantErr: "duplicate tool group",
		},
		{
			name: "custom tool with delimiter",
			doc: Document{CustomTools: []CustomTool{
				{Name: "bad__name", Service: "s", Tool: "t"},
			}},
			wantErr: "must not contain",
		},
		{
			name: "duplicate custom tool",
			doc: Document{CustomTools: []CustomTool{
				{Name: "same", Service: "s1", Tool: "t1"},
				{Name: "same", Service: "s2", Tool: "t2"},
			}},
			wantErr: "duplicate custom tool",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.doc.Validate()
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestResolveEnv(t *testing.T) {
	t.Parallel()

	lookup := func(key string) (string, bool) {
		switch key {
		case "PRESENT":
			return "resolved", true
		case "BLANK":
			return "", true
		}
		return "", false
	}

	tgt := &TargetConfig{
		Name: "t", Type: TransportStdio, Command: "echo",
		Env: map[string]EnvValue{
			"LITERAL":  {Kind: EnvRequired, Value: "v"},
			"INDIRECT": {Kind: EnvRequired, FromEnv: "PRESENT"},
			"MISSING":  {Kind: EnvRequired, FromEnv: "ABSENT"},
			"BLANKREQ": {Kind: EnvRequired, FromEnv: "BLANK"},
			"OPTEMPTY": {Kind: EnvOptional, Value: ""},
			"OPTGONE":  {Kind: EnvOptional, FromEnv: "ABSENT"},
		},
	}

	resolved, err := ResolveEnv(tgt, lookup)
	require.NoError(t, err)

	assert.Equal(t, "v", resolved.Values["LITERAL"])
	assert.Equal(t, "resolved", resolved.Values["INDIRECT"])
	assert.ElementsMatch(t, []string{"MISSING", "BLANKREQ"}, resolved.Missing)

	// Optional-and-empty is still set; optional-and-absent is dropped.
	_, ok := resolved.Values["OPTEMPTY"]
	assert.True(t, ok)
	_, ok = resolved.Values["OPTGONE"]
	assert.False(t, ok)
}

func TestResolveEnvRejectsFixedValue(t *testing.T) {
	t.Parallel()

	tgt := &TargetConfig{
		Name: "t", Type: TransportStdio, Command: "echo",
		Env: map[string]EnvValue{"K": {Kind: EnvFixed, Value: "sneaky"}},
	}
	_, err := ResolveEnv(tgt, func(string) (string, bool) { return "", false })
	assert.Error(t, err)
}
