// Package jsonrpcserver exposes explicitly registered handler functions as
// JSON RPC methods over HTTP POST.
//
// Handlers receive their params raw and decode what they need; the server
// owns the envelope, the error codes and the signature header handling.
package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/go-utils/signature"
)

var (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeCustomError    = -32000
)

// ErrTooManyParams is returned when a request carries more positional params
// than the method takes.
var ErrTooManyParams = errors.New("too much arguments")

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

// MethodFunc handles one JSON RPC method. Params arrive positionally and
// raw; UnmarshalParams decodes them. A returned error becomes a -32000
// response.
type MethodFunc func(ctx context.Context, params []json.RawMessage) (any, error)

type Methods map[string]MethodFunc

type Handler struct {
	methods         Methods
	verifySignature bool
}

// NewHandler creates a JSONRPC http.Handler from the map of method names to
// handler functions. The signature header's address claim is taken as-is,
// suitable behind a verifying front proxy.
func NewHandler(methods Methods) *Handler {
	return &Handler{
		methods: methods,
	}
}

// NewVerifyingHandler is NewHandler with signature verification: requests
// whose signature header is missing or does not match the body are rejected
// before any method runs.
func NewVerifyingHandler(methods Methods) *Handler {
	return &Handler{
		methods:         methods,
		verifySignature: true,
	}
}

func writeJSONRPCError(w http.ResponseWriter, id any, code int, msg string) {
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  nil,
		Error: &JSONRPCError{
			Code:    code,
			Message: msg,
			Data:    nil,
		},
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// the signature covers the exact body bytes, so read before decoding
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONRPCError(w, nil, CodeParseError, err.Error())
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONRPCError(w, nil, CodeParseError, err.Error())
		return
	}

	if req.JSONRPC != "2.0" {
		writeJSONRPCError(w, req.ID, CodeParseError, "invalid jsonrpc version")
		return
	}
	if req.ID != nil {
		// id must be string or number
		switch req.ID.(type) {
		case string, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		default:
			writeJSONRPCError(w, req.ID, CodeParseError, "invalid id type")
			return
		}
	}

	ctx := r.Context()
	signatureHeader := r.Header.Get(signature.HTTPHeader)
	if h.verifySignature {
		signer, err := signature.Verify(signatureHeader, body)
		if err != nil {
			writeJSONRPCError(w, req.ID, CodeInvalidRequest, err.Error())
			return
		}
		ctx = context.WithValue(ctx, signerKey{}, signer)
	} else if split := strings.Split(signatureHeader, ":"); len(split) > 0 {
		ctx = context.WithValue(ctx, signerKey{}, common.HexToAddress(split[0]))
	}

	method, ok := h.methods[req.Method]
	if !ok {
		writeJSONRPCError(w, req.ID, CodeMethodNotFound, "method not found")
		return
	}

	result, err := method(ctx, req.Params)
	if err != nil {
		writeJSONRPCError(w, req.ID, CodeCustomError, err.Error())
		return
	}

	marshaledResult, err := json.Marshal(result)
	if err != nil {
		writeJSONRPCError(w, req.ID, CodeInternalError, err.Error())
		return
	}

	rawMessageResult := json.RawMessage(marshaledResult)
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  &rawMessageResult,
		Error:   nil,
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// UnmarshalParams decodes positional params into the targets. Fewer params
// than targets leaves the tail at its zero values.
func UnmarshalParams(params []json.RawMessage, targets ...any) error {
	if len(params) > len(targets) {
		return ErrTooManyParams
	}
	for i, raw := range params {
		if err := json.Unmarshal(raw, targets[i]); err != nil {
			return err
		}
	}
	return nil
}

// GetSigner returns the request's signing address: the verified one when the
// handler verifies, the header's claim otherwise. The zero address means the
// request carried no signature.
func GetSigner(ctx context.Context) common.Address {
	value, ok := ctx.Value(signerKey{}).(common.Address)
	if !ok {
		return common.Address{}
	}
	return value
}
