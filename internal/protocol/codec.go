package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeRequest serializes a Request to JSON and writes it to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if req.Task == "" {
		return fmt.Errorf("request missing required field: task")
	}

	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodeRequest reads a single Request from r. Unknown fields are rejected.
func DecodeRequest(r io.Reader) (*Request, error) {
	var req Request

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}

	if req.Protocol != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if req.Task == "" {
		return nil, fmt.Errorf("request missing required field: task")
	}
	if req.RunID == "" {
		return nil, fmt.Errorf("request missing required field: run_id")
	}
	return &req, nil
}
