// Command conductord-wasm-helper runs a single Untrusted-tier skill
// invocation inside its own OS process, one boundary below the
// in-process wazero sandbox. It reads a JSON request from stdin and
// writes a JSON response to stdout, then exits; it holds no state
// across invocations and is never reused by the caller (§4.13).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tombee/conductor/pkg/security/sandbox"
)

type request struct {
	ArtifactPath string   `json:"artifact_path"`
	Input        string   `json:"input"`
	Capabilities []string `json:"capabilities"`
	MaxMemoryMB  uint32   `json:"max_memory_mb"`
	TimeoutMS    int64    `json:"timeout_ms"`
}

type response struct {
	Output       string `json:"output"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	PeakMemory   uint32 `json:"peak_memory_bytes"`
	FuelConsumed uint64 `json:"fuel_consumed"`
	DurationMS   int64  `json:"duration_ms"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading request: %w", err)
	}
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("parsing request: %w", err)
	}

	artifact, err := os.ReadFile(req.ArtifactPath)
	if err != nil {
		return writeResponse(response{Success: false, Error: fmt.Sprintf("reading artifact: %v", err)})
	}

	caps := make([]sandbox.Capability, 0, len(req.Capabilities))
	for _, c := range req.Capabilities {
		caps = append(caps, sandbox.Capability(c))
	}
	enf := sandbox.NewEnforcer(caps)

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	rt := sandbox.NewRuntime(ctx)
	defer rt.Close(ctx)

	start := time.Now()
	result, err := rt.Invoke(ctx, artifact, sandbox.TrustTierUntrusted, enf, &processHostEnv{}, req.Input)
	if err != nil {
		return writeResponse(response{Success: false, Error: err.Error(), DurationMS: time.Since(start).Milliseconds()})
	}

	return writeResponse(response{
		Output:       result.Output,
		Success:      result.Success,
		Error:        result.Error,
		PeakMemory:   result.PeakMemory,
		FuelConsumed: result.FuelConsumed,
		DurationMS:   result.Duration.Milliseconds(),
	})
}

func writeResponse(resp response) error {
	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(resp)
}

// processHostEnv implements sandbox.HostEnv for a skill running inside
// this helper process. It has no access to the daemon's in-memory
// context or secret store, only what's reachable from a bare OS
// process: the network and the local filesystem.
type processHostEnv struct{}

func (processHostEnv) GetContext(key string) (string, bool) { return "", false }

func (processHostEnv) Log(level, message string) {
	fmt.Fprintf(os.Stderr, "[%s] %s\n", level, message)
}

func (processHostEnv) RecallMemory(query string) (string, error) {
	return "", fmt.Errorf("memory recall is unavailable from an OS-isolated skill")
}

func (processHostEnv) HTTPGet(url string) (string, error) {
	resp, err := http.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (processHostEnv) HTTPPost(url, body string) (string, error) {
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (processHostEnv) ReadFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (processHostEnv) WriteFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func (processHostEnv) GetSecret(name string) (string, error) {
	return "", fmt.Errorf("secret access is unavailable from an OS-isolated skill")
}

func (processHostEnv) ReadEnv(name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %q is not set", name)
	}
	return v, nil
}
