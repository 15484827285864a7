package gateway

import (
	"encoding/json"
	"net/http"
)

// Error codes on the agent-facing surface. codeSession covers both "no valid
// session" and "transport mismatch" rejections; codeParse is the standard
// JSON-RPC parse error.
const (
	codeSession = -32000
	codeParse   = -32700
)

type rpcErrorBody struct {
	JSONRPC string       `json:"jsonrpc"`
	ID      any          `json:"id"`
	Error   rpcErrorInfo `json:"error"`
}

type rpcErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeRPCError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rpcErrorBody{
		JSONRPC: "2.0",
		Error:   rpcErrorInfo{Code: code, Message: message},
	})
}
