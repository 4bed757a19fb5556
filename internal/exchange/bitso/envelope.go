package bitso

import (
	"bytes"
	"encoding/json"
	"fmt"

	"bitso-adapter/internal/core"
)

// unwrap extracts the payload of a {success, payload, error} envelope.
// An error object, success=false, or a payload that carries its own error
// code all become an APIError so the classifier sees them.
func unwrap(body []byte) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", core.ErrMalformedPayload, err)
	}
	if env.Error != nil && (env.Error.Message != "" || len(env.Error.Code) > 0) {
		return nil, APIError{Code: rawCode(env.Error.Code), Message: env.Error.Message}
	}
	if env.Success != nil && !*env.Success {
		return nil, APIError{Message: "request was not successful"}
	}
	if err := embeddedError(env.Payload); err != nil {
		return nil, err
	}
	return env.Payload, nil
}

func embeddedError(payload json.RawMessage) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var head struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
		Msg     string          `json:"msg"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return nil
	}
	code := rawCode(head.Code)
	if code == "" || code == "null" {
		return nil
	}
	msg := head.Message
	if msg == "" {
		msg = head.Msg
	}
	return APIError{Code: code, Message: msg}
}

// isNull reports an absent or JSON-null payload.
func isNull(payload json.RawMessage) bool {
	trimmed := bytes.TrimSpace(payload)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
