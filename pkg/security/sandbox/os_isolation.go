package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// HelperBinary is the executable the OS-isolation wrapper spawns for
// Untrusted-tier skills. It is resolved via exec.LookPath, mirroring
// how the CLI sandbox resolves the container runtime binary.
const HelperBinary = "conductord-wasm-helper"

// helperRequest is the JSON payload written to the helper's stdin.
type helperRequest struct {
	ArtifactPath string   `json:"artifact_path"`
	Input        string   `json:"input"`
	Capabilities []string `json:"capabilities"`
	MaxMemoryMB  uint32   `json:"max_memory_mb"`
	TimeoutMS    int64    `json:"timeout_ms"`
}

// helperResponse is the JSON payload read from the helper's stdout.
type helperResponse struct {
	Output       string `json:"output"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	PeakMemory   uint32 `json:"peak_memory_bytes"`
	FuelConsumed uint64 `json:"fuel_consumed"`
	DurationMS   int64  `json:"duration_ms"`
}

// OSIsolation runs an Untrusted-tier skill in a second process
// boundary on top of the wazero sandbox, so a successful WASM-level
// escape still lands inside a disposable OS process instead of the
// daemon's own address space (§4.13). It talks to the helper binary
// over a JSON-in/JSON-out contract instead of shelling out to a
// container runtime, but otherwise follows the same
// exec.LookPath-then-exec.CommandContext shape the CLI sandbox uses
// for docker/podman.
type OSIsolation struct {
	helperPath string
}

// NewOSIsolation resolves the helper binary on PATH. It returns an
// error immediately if the binary isn't installed, rather than
// deferring discovery to the first invocation.
func NewOSIsolation() (*OSIsolation, error) {
	path, err := exec.LookPath(HelperBinary)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", HelperBinary, err)
	}
	return &OSIsolation{helperPath: path}, nil
}

// Invoke serializes req, spawns the helper process, and parses its
// JSON response into an InvocationResult. A non-zero helper exit
// without a parseable response is treated as a sandbox violation, not
// a skill failure: it means the helper itself was killed or crashed,
// which the caller should audit distinctly from a normal skill error.
func (o *OSIsolation) Invoke(ctx context.Context, artifactPath, input string, capabilities []string, maxMemoryMB uint32, timeout time.Duration) (*InvocationResult, error) {
	req := helperRequest{
		ArtifactPath: artifactPath,
		Input:        input,
		Capabilities: capabilities,
		MaxMemoryMB:  maxMemoryMB,
		TimeoutMS:    timeout.Milliseconds(),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling helper request: %w", err)
	}

	helperCtx, cancel := context.WithTimeout(ctx, timeout+2*time.Second)
	defer cancel()

	cmd := exec.CommandContext(helperCtx, o.helperPath)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	var resp helperResponse
	if decodeErr := json.Unmarshal(stdout.Bytes(), &resp); decodeErr != nil {
		return nil, &conductorerrors.ResourceLimitError{
			Kind: fmt.Sprintf("isolated helper produced no valid result (exit error: %v, stderr: %s)", runErr, stderr.String()),
		}
	}

	return &InvocationResult{
		Output:       resp.Output,
		Success:      resp.Success,
		Error:        resp.Error,
		PeakMemory:   resp.PeakMemory,
		FuelConsumed: resp.FuelConsumed,
		Duration:     duration,
	}, nil
}
