// Package v0 holds the wire contracts spoken with the video renderer
// worker and returned to invocation callers.
package v0

import (
	"bytes"
	"encoding/json"
	"errors"
)

// EncodingBase64 is the only encoding used for Result.Video.
const EncodingBase64 = "base64"

// RenderRequest is the single line written to the worker.
type RenderRequest struct {
	Seconds float64 `json:"seconds"`
}

// RenderResponse is one reply read back from the worker.
// Fields the worker adds beyond success/error/file_size are kept in Extra.
type RenderResponse struct {
	Success  bool
	Error    string
	FileSize *int64
	Extra    map[string]json.RawMessage
}

// ErrSuccessMissing is returned when a reply lacks a boolean "success".
var ErrSuccessMissing = errors.New(`response has no boolean "success" field`)

func (r *RenderResponse) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return ErrSuccessMissing
	}

	raw, ok := fields["success"]
	if !ok {
		return ErrSuccessMissing
	}
	switch string(bytes.TrimSpace(raw)) {
	case "true":
		r.Success = true
	case "false":
		r.Success = false
	default:
		return ErrSuccessMissing
	}
	delete(fields, "success")

	if raw, ok := fields["error"]; ok {
		if err := json.Unmarshal(raw, &r.Error); err != nil {
			// non-string error payloads are kept as raw text
			r.Error = string(raw)
		}
		delete(fields, "error")
	}
	if raw, ok := fields["file_size"]; ok {
		var n int64
		if err := json.Unmarshal(raw, &n); err == nil {
			r.FileSize = &n
			delete(fields, "file_size")
		}
	}

	if len(fields) > 0 {
		r.Extra = fields
	}
	return nil
}

func (r RenderResponse) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+3)
	for k, v := range r.Extra {
		out[k] = v
	}
	out["success"] = r.Success
	if r.Error != "" {
		out["error"] = r.Error
	}
	if r.FileSize != nil {
		out["file_size"] = *r.FileSize
	}
	return json.Marshal(out)
}

// Result is what an invocation returns to its caller.
type Result struct {
	Success  bool           `json:"success"`
	Video    string         `json:"video,omitempty"`
	FileSize int64          `json:"file_size"`
	Encoding string         `json:"encoding,omitempty"`
	Error    string         `json:"error,omitempty"`
	Code     string         `json:"code,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// HealthStatus reports worker liveness without spawning it.
type HealthStatus struct {
	Success      bool `json:"success"`
	DaemonAlive  bool `json:"daemon_alive"`
	SocketExists bool `json:"socket_exists"`
	PID          *int `json:"pid"`

	// Deep checks, filled only by the HTTP API when asked.
	Checks map[string]any `json:"checks,omitempty"`
}
