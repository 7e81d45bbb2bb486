package crosswalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/dicomflow/gateway/core"
	"github.com/dicomflow/gateway/dicom"
)

// ScriptBroker shells out to an external lookup script for each request,
// passing the request as JSON on stdin and reading a JSON response from
// stdout. Grounded on the teacher's provider-selection pattern (a small
// named-backend type picking an implementation) adapted from an in-process
// AI provider to an external-process broker.
type ScriptBroker struct {
	path    string
	timeout time.Duration
	logger  core.Logger
}

type scriptRequest struct {
	Op      string                `json:"op"` // "lookup" | "dateshift"
	InputID string                `json:"input_id"`
	IDType  dicom.CrosswalkIDType `json:"id_type,omitempty"`
}

type scriptResponse struct {
	OutputID string `json:"output_id,omitempty"`
	Days     int    `json:"days,omitempty"`
	Error    string `json:"error,omitempty"`
}

func NewScriptBroker(path string, timeout time.Duration, logger core.Logger) *ScriptBroker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ScriptBroker{path: path, timeout: timeout, logger: logger}
}

func (b *ScriptBroker) Lookup(ctx context.Context, inputID string, idType dicom.CrosswalkIDType) (string, error) {
	resp, err := b.invoke(ctx, scriptRequest{Op: "lookup", InputID: inputID, IDType: idType})
	if err != nil {
		return "", err
	}
	return resp.OutputID, nil
}

func (b *ScriptBroker) DateShift(ctx context.Context, inputID string) (int, error) {
	resp, err := b.invoke(ctx, scriptRequest{Op: "dateshift", InputID: inputID})
	if err != nil {
		return 0, err
	}
	return resp.Days, nil
}

func (b *ScriptBroker) invoke(ctx context.Context, req scriptRequest) (*scriptResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, b.path)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, dicom.Classify("crosswalk.script", dicom.ClassTransientTransport, ctx.Err())
		}
		return nil, dicom.Classify("crosswalk.script", dicom.ClassPermanentTransport,
			fmt.Errorf("crosswalk: script exited: %w: %s", err, stderr.String()))
	}

	var resp scriptResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, dicom.Classify("crosswalk.script", dicom.ClassPermanentTransport, fmt.Errorf("crosswalk: invalid script response: %w", err))
	}
	if resp.Error != "" {
		return nil, dicom.Classify("crosswalk.script", dicom.ClassPermanentTransport, fmt.Errorf("crosswalk: script reported error: %s", resp.Error))
	}
	return &resp, nil
}
