package aggregator

import (
	"strings"

	"github.com/mcpxhq/mcpx/pkg/config"
)

// Namespace derives the externally visible name for a target tool by
// prefixing the server name. The mapping is deterministic and collision-free
// for a given (server, tool) pair, so identical tool names on different
// targets never shadow each other.
type Namespace struct {
	Separator string
}

func (n Namespace) separator() string {
	if n.Separator == "" {
		return config.Delimiter
	}
	return n.Separator
}

// ToolName decorates a native tool name with its server prefix.
func (n Namespace) ToolName(server, tool string) string {
	return server + n.separator() + tool
}

// Native splits a decorated name back into its server and tool halves.
func (n Namespace) Native(name string) (server, tool string, ok bool) {
	server, tool, ok = strings.Cut(name, n.separator())
	if !ok || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}
