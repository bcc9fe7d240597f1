// Package api implements the Unified API (spec.md section 4.8): an HTTP
// command router plus WebSocket event planes fronting the Session Manager,
// Container Matcher, Operation Executor, and Checkpoint Detector, and the
// companion Browser Service that exposes the raw browser/session verbs.
//
// The command envelope follows the tagged-variant mandate of spec.md
// section 9: one discriminant `action`, a per-action payload type decoded
// and validated at the boundary, and a dispatch table from action to
// (payload type, handler).
package api

import (
	"encoding/json"
	"errors"

	"webauto/internal/apierr"
)

// Request is the HTTP command envelope for /v1/controller/action and
// /command (spec.md section 6).
type Request struct {
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
}

// Response is the uniform result envelope. HTTP status stays 2xx even on
// business errors; failure lives in success=false.
type Response struct {
	Success bool          `json:"success"`
	Data    any           `json:"data,omitempty"`
	Error   *apierr.Error `json:"error,omitempty"`
}

func ok(data any) Response {
	return Response{Success: true, Data: data}
}

func fail(err error) Response {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return Response{Success: false, Error: ae}
	}
	return Response{Success: false, Error: &apierr.Error{Code: "INTERNAL_ERROR", Message: err.Error()}}
}
