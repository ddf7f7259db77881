// Package jsonrpcserver allows exposing functions like:
// func Foo(context, int) (int, error)
// as JSON RPC methods.
//
// Requests may carry an X-Flashbots-Signature header. When present it is verified against the
// body and the recovered address is available to methods through GetSigner.
package jsonrpcserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/launch-bundler/auth"
)

var (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeCustomError    = -32000
)

const maxRequestBodySize = 10 * 1024 * 1024

type signerKey struct{}

type JSONRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      any               `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type JSONRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      any              `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError    `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *any   `json:"data,omitempty"`
}

// Error lets methods return a JSON-RPC error with a specific code and payload.
func (e *JSONRPCError) Error() string {
	return e.Message
}

type Handler struct {
	methods          map[string]methodHandler
	requireSignature bool
}

type Methods map[string]interface{}

// NewHandler creates JSONRPC http.Handler from the map that maps method names to method functions
// each method function must:
// - have context as a first argument
// - return error as a last argument
// - have argument types that can be unmarshalled from JSON
// - have return types that can be marshalled to JSON
func NewHandler(methods Methods) (*Handler, error) {
	m := make(map[string]methodHandler, len(methods))
	for name, fn := range methods {
		method, err := getMethodTypes(fn)
		if err != nil {
			return nil, err
		}
		m[name] = method
	}
	return &Handler{methods: m}, nil
}

// RequireSignature rejects requests without a valid signature header.
func (h *Handler) RequireSignature() *Handler {
	h.requireSignature = true
	return h
}

func writeJSONRPCError(w http.ResponseWriter, id any, rpcErr *JSONRPCError) {
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   rpcErr,
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, id any, code int, msg string) {
	writeJSONRPCError(w, id, &JSONRPCError{Code: code, Message: msg})
}

func validID(id any) bool {
	switch id.(type) {
	case nil, string, float64, json.Number:
		return true
	default:
		return false
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, nil, CodeParseError, err.Error())
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, CodeParseError, err.Error())
		return
	}
	if req.JSONRPC != "2.0" {
		writeError(w, req.ID, CodeParseError, "invalid jsonrpc version")
		return
	}
	if !validID(req.ID) {
		writeError(w, nil, CodeInvalidRequest, "invalid id type")
		return
	}

	ctx := r.Context()
	if header := r.Header.Get(auth.HeaderName); header != "" {
		signer, err := auth.Verify(header, body)
		if err != nil {
			writeError(w, req.ID, CodeInvalidRequest, err.Error())
			return
		}
		ctx = context.WithValue(ctx, signerKey{}, signer)
	} else if h.requireSignature {
		writeError(w, req.ID, CodeInvalidRequest, "missing signature header")
		return
	}

	method, ok := h.methods[req.Method]
	if !ok {
		writeError(w, req.ID, CodeMethodNotFound, "method not found")
		return
	}

	result, err := method.call(ctx, req.Params)
	if err != nil {
		if rpcErr, ok := err.(*JSONRPCError); ok { //nolint:errorlint
			writeJSONRPCError(w, req.ID, rpcErr)
			return
		}
		writeError(w, req.ID, CodeCustomError, err.Error())
		return
	}

	marshaledResult, err := json.Marshal(result)
	if err != nil {
		writeError(w, req.ID, CodeInternalError, err.Error())
		return
	}

	rawMessageResult := json.RawMessage(marshaledResult)
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  &rawMessageResult,
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetSigner returns the verified request signer or the zero address.
func GetSigner(ctx context.Context) common.Address {
	value, ok := ctx.Value(signerKey{}).(common.Address)
	if !ok {
		return common.Address{}
	}
	return value
}
