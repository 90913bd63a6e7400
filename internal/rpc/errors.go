package rpc

import (
	"encoding/json"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sgzrov/VoiceCI-sub000/internal/verrors"
)

// errorBody is the structured error carried inside error-flagged tool
// results and REST error responses. Code follows the JSON-RPC table in
// [verrors.Kind.Code], so clients can branch without parsing messages.
type errorBody struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func envelope(err error) errorEnvelope {
	kind := verrors.KindOf(err)
	return errorEnvelope{Error: errorBody{
		Code:    kind.Code(),
		Kind:    string(kind),
		Message: err.Error(),
	}}
}

// errResult shapes a classified error into an error-flagged tool result.
func errResult(err error) *mcpsdk.CallToolResult {
	data, mErr := json.Marshal(envelope(err))
	if mErr != nil {
		data = []byte(`{"error":{"code":-32603,"kind":"internal","message":"unrenderable error"}}`)
	}
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}
}

// jsonResult renders v as the tool result's text content.
func jsonResult(v any) *mcpsdk.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errResult(verrors.New(verrors.KindInternal, "rpc: encode result: %v", err))
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}
}

// textResult wraps plain text (the doc tools) into a tool result.
func textResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
	}
}

// httpStatus maps an error kind to the REST status code.
func httpStatus(kind verrors.Kind) int {
	switch kind {
	case verrors.KindValidation:
		return http.StatusBadRequest
	case verrors.KindAuth:
		return http.StatusUnauthorized
	case verrors.KindConfigMissing:
		return http.StatusPreconditionFailed
	case verrors.KindTimeout:
		return http.StatusGatewayTimeout
	case verrors.KindUpstream, verrors.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as a JSON error response.
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(verrors.KindOf(err)))
	_ = json.NewEncoder(w).Encode(envelope(err))
}

// writeJSON renders v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
