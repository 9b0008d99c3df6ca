// PluginHost - extensible plugin supervision fabric
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package jsonrpc defines the JSON-RPC 2.0 envelope the fabric's wire
// protocol uses end to end: over HTTP POST bodies, over the JsonRpc
// WebSocket subprotocol, and as the shape Service.Invoke both accepts and
// returns. Encoding uses goccy/go-json, the fast drop-in encoding/json
// replacement the rest of the fabric standardizes on.
package jsonrpc

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/pluginhost/internal/errorkind"
)

// Version is the only JSON-RPC version the fabric speaks.
const Version = "2.0"

// Request is an inbound JSON-RPC 2.0 call. Method is
// "[{callsign}[.{version}].]{method}"; an absent callsign defaults to the
// controller, per §6.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an outbound JSON-RPC 2.0 reply. Exactly one of Result/Error
// is set, per spec; a notification-style response with neither set is
// never emitted by this fabric.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error mirrors a FabricError onto the wire: code carries the error kind
// name (not a numeric JSON-RPC code — the fabric's closed kind set is the
// wire vocabulary), message is the diagnostic string.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MethodParts is the parsed form of a JSON-RPC method string.
type MethodParts struct {
	Callsign string
	Version  string
	Method   string
}

// ParseMethod splits "[{callsign}[.{version}].]{method}" into its parts.
// An absent callsign defaults to "Controller".
func ParseMethod(method string) (MethodParts, error) {
	segments := strings.Split(method, ".")
	switch len(segments) {
	case 1:
		return MethodParts{Callsign: "Controller", Method: segments[0]}, nil
	case 2:
		return MethodParts{Callsign: segments[0], Method: segments[1]}, nil
	case 3:
		return MethodParts{Callsign: segments[0], Version: segments[1], Method: segments[2]}, nil
	default:
		return MethodParts{}, errorkind.New(errorkind.BadRequest, fmt.Sprintf("malformed method %q", method))
	}
}

// Success builds a Response carrying result for the given request id.
func Success(id interface{}, result interface{}) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// Failure builds a Response carrying err, normalized through errorkind so
// the wire-level code is always one of the closed kind names.
func Failure(id interface{}, err error) *Response {
	fe := errorkind.Normalize(err)
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: string(fe.Kind), Message: fe.Message},
	}
}

// Marshal encodes v using the fabric's fast-JSON codec.
func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes data into v using the fabric's fast-JSON codec.
func Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
