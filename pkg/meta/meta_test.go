package meta

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeRequest(t *testing.T, raw string) jsonrpc.Message {
	t.Helper()
	msg, err := jsonrpc.DecodeMessage([]byte(raw))
	require.NoError(t, err)
	return msg
}

func initializeRequest(t *testing.T, clientName, clientVersion string) jsonrpc.Message {
	t.Helper()
	params, err := json.Marshal(map[string]any{
		"protocolVersion": "2025-03-26",
		"clientInfo":      map[string]string{"name": clientName, "version": clientVersion},
	})
	require.NoError(t, err)
	return decodeRequest(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":`+string(params)+`}`)
}

func TestFromHeaders(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set(HeaderConsumerTag, "billing-team")
	h.Set(HeaderLLMProvider, "openai")
	h.Set(HeaderLLMModelID, "gpt-4o")

	md := FromHeaders(h, nil)
	assert.Equal(t, "billing-team", md.ConsumerTag)
	require.NotNil(t, md.LLM)
	assert.Equal(t, "openai", md.LLM.Provider)
	assert.Equal(t, "gpt-4o", md.LLM.ModelID)
	assert.False(t, md.IsProbe)
}

func TestFromHeadersEmpty(t *testing.T) {
	t.Parallel()

	md := FromHeaders(http.Header{}, nil)
	assert.Empty(t, md.ConsumerTag)
	assert.Nil(t, md.LLM)
}

func TestFromMessagesPicksInitialize(t *testing.T) {
	t.Parallel()

	other := decodeRequest(t, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	md := FromMessages(other, initializeRequest(t, "cursor", "0.42.0"))
	require.NotNil(t, md.ClientInfo)
	assert.Equal(t, "cursor", md.ClientInfo.Name)
	assert.Equal(t, "0.42.0", md.ClientInfo.Version)
	assert.False(t, md.IsProbe)
}

func TestFromMessagesProbeClients(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"mcp-remote-fallback-test", "mcpx-e2e-probe"} {
		md := FromMessages(initializeRequest(t, name, "1.0.0"))
		assert.True(t, md.IsProbe, "client %q should be flagged as probe", name)
	}
}

func TestFromMessagesNoInitialize(t *testing.T) {
	t.Parallel()

	md := FromMessages(decodeRequest(t, `{"jsonrpc":"2.0","id":3,"method":"ping"}`))
	assert.Equal(t, Metadata{}, md)
}

func TestMergePrefersExisting(t *testing.T) {
	t.Parallel()

	dst := Metadata{ConsumerTag: "from-header", LLM: &LLMInfo{Provider: "openai"}}
	src := Metadata{
		ConsumerTag: "from-body",
		LLM:         &LLMInfo{Provider: "anthropic", ModelID: "claude-3"},
		ClientInfo:  &ClientInfo{Name: "cursor", Version: "0.42.0"},
	}

	Merge(&dst, src)

	assert.Equal(t, "from-header", dst.ConsumerTag)
	assert.Equal(t, "openai", dst.LLM.Provider)
	assert.Equal(t, "claude-3", dst.LLM.ModelID, "unset fields take the incoming value")
	require.NotNil(t, dst.ClientInfo)
	assert.Equal(t, "cursor", dst.ClientInfo.Name)
}

func TestMergeProbeFlagSticks(t *testing.T) {
	t.Parallel()

	dst := Metadata{IsProbe: true}
	Merge(&dst, Metadata{})
	assert.True(t, dst.IsProbe)

	dst = Metadata{}
	Merge(&dst, Metadata{IsProbe: true})
	assert.True(t, dst.IsProbe)
}

func TestMergeIdempotent(t *testing.T) {
	t.Parallel()

	src := Metadata{
		ConsumerTag: "agent-a",
		LLM:         &LLMInfo{Provider: "openai", ModelID: "gpt-4o"},
		ClientInfo:  &ClientInfo{Name: "cli", Version: "2.0"},
		IsProbe:     true,
	}
	var dst Metadata
	Merge(&dst, src)
	once := dst
	Merge(&dst, src)
	assert.Equal(t, once, dst)
}
