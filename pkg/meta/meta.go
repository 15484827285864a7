// Package meta extracts per-connection identity from transport headers and
// from the protocol's initialize payload. Extraction is a pure function of its
// inputs; the only side effect is a warning log when expected identity fields
// are absent.
package meta

import (
	"encoding/json"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	HeaderConsumerTag = "x-lunar-consumer-tag"
	HeaderLLMProvider = "x-lunar-llm-provider"
	HeaderLLMModelID  = "x-lunar-llm-model-id"
)

// probeClientNames lists client names used by synthetic connectivity checks.
// Sessions opened by these clients are flagged so they can be excluded from
// usage accounting.
var probeClientNames = []string{
	"mcp-remote-fallback-test",
	"mcpx-e2e-probe",
}

// ClientInfo mirrors the name/version pair a client declares during the
// initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// LLMInfo carries the caller-declared LLM hints.
type LLMInfo struct {
	Provider string `json:"provider,omitempty"`
	ModelID  string `json:"modelId,omitempty"`
}

// Metadata is the identity record attached to a session. A zero Metadata is
// valid and means "nothing known yet".
type Metadata struct {
	ConsumerTag string      `json:"consumerTag,omitempty"`
	LLM         *LLMInfo    `json:"llm,omitempty"`
	ClientInfo  *ClientInfo `json:"clientInfo,omitempty"`
	IsProbe     bool        `json:"isProbe"`
}

// FromHeaders derives metadata from transport headers at connection time.
// Header-derived values are authoritative; later initialize data only fills
// gaps (see Merge). A missing consumer tag is reported as a warning, never an
// error.
func FromHeaders(h http.Header, logger *zap.Logger) Metadata {
	md := Metadata{ConsumerTag: h.Get(HeaderConsumerTag)}
	provider := h.Get(HeaderLLMProvider)
	modelID := h.Get(HeaderLLMModelID)
	if provider != "" || modelID != "" {
		md.LLM = &LLMInfo{Provider: provider, ModelID: modelID}
	}
	if md.ConsumerTag == "" && logger != nil {
		logger.Warn("connection carries no consumer tag header",
			zap.String("header", HeaderConsumerTag))
	}
	return md
}

type initializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// FromMessages scans decoded JSON-RPC messages for the first initialize
// request and derives metadata from its params. Messages that are not
// initialize requests contribute nothing.
func FromMessages(msgs ...jsonrpc.Message) Metadata {
	for _, msg := range msgs {
		req, ok := msg.(*jsonrpc.Request)
		if !ok || req.Method != "initialize" {
			continue
		}
		return fromInitialize(req.Params)
	}
	return Metadata{}
}

func fromInitialize(raw json.RawMessage) Metadata {
	var params initializeParams
	if err := json.Unmarshal(raw, &params); err != nil || params.ClientInfo == nil {
		return Metadata{}
	}
	md := Metadata{ClientInfo: params.ClientInfo}
	md.IsProbe = lo.Contains(probeClientNames, params.ClientInfo.Name)
	return md
}

// Merge folds src into dst without overwriting anything dst already knows:
// consumer tag and LLM hints take the incoming value only if previously
// unset, client info is merged field by field, and the probe flag is OR'd.
// Merging the same src twice yields the same result as merging it once.
func Merge(dst *Metadata, src Metadata) {
	if dst == nil {
		return
	}
	if dst.ConsumerTag == "" {
		dst.ConsumerTag = src.ConsumerTag
	}
	if src.LLM != nil {
		if dst.LLM == nil {
			llm := *src.LLM
			dst.LLM = &llm
		} else {
			if dst.LLM.Provider == "" {
				dst.LLM.Provider = src.LLM.Provider
			}
			if dst.LLM.ModelID == "" {
				dst.LLM.ModelID = src.LLM.ModelID
			}
		}
	}
	if src.ClientInfo != nil {
		if dst.ClientInfo == nil {
			info := *src.ClientInfo
			dst.ClientInfo = &info
		} else {
			if dst.ClientInfo.Name == "" {
				dst.ClientInfo.Name = src.ClientInfo.Name
			}
			if dst.ClientInfo.Version == "" {
				dst.ClientInfo.Version = src.ClientInfo.Version
			}
		}
	}
	dst.IsProbe = dst.IsProbe || src.IsProbe
}
