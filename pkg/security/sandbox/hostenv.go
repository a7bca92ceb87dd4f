package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/tombee/conductor/pkg/secrets"
)

// KeyringService names the OS keychain service entry secrets are
// stored under. Skills address a secret by name alone; the service
// name scopes all of them to this daemon so they don't collide with
// unrelated keychain entries on the same machine.
const KeyringService = "conductord-skill-secret"

// DaemonHostEnv is the production HostEnv for skills running in the
// daemon's own process (local and verified trust tiers). Untrusted-tier
// skills never use this: they run inside conductord-wasm-helper, which
// has its own deliberately narrower HostEnv with no secret or context
// access (§4.13).
type DaemonHostEnv struct {
	logger     *slog.Logger
	httpClient *http.Client
	masker     *secrets.Masker
}

// NewDaemonHostEnv returns a HostEnv backed by the OS keychain for
// secrets and the default HTTP client for outbound requests. Every
// secret it resolves, and every environment value whose name ends in a
// secret-like suffix (_TOKEN, _SECRET, _KEY, _PASSWORD, _PASS, _PWD), is
// registered with an internal masker, so a skill that calls Log with a
// message built from one does not leak it into the daemon's own log
// stream. Other environment values are not masked.
func NewDaemonHostEnv(logger *slog.Logger) *DaemonHostEnv {
	return &DaemonHostEnv{
		logger:     logger,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		masker:     secrets.NewMasker(),
	}
}

// GetContext is unused by this HostEnv: the workflow context a skill
// step can see is already resolved into its inputs before InvokeSkill
// is called, so there is no separate side-channel lookup to serve.
func (e *DaemonHostEnv) GetContext(key string) (string, bool) {
	return "", false
}

func (e *DaemonHostEnv) Log(level, message string) {
	e.logger.Log(context.Background(), slogLevel(level), e.masker.Mask(message))
}

func slogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RecallMemory is unsupported: bot memory storage is out of scope for
// this daemon (see DESIGN.md). A skill that declares RecallMemory and
// calls it gets a clear error rather than silently returning nothing.
func (e *DaemonHostEnv) RecallMemory(query string) (string, error) {
	return "", fmt.Errorf("memory recall is not implemented by this daemon")
}

func (e *DaemonHostEnv) HTTPGet(url string) (string, error) {
	resp, err := e.httpClient.Get(url)
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

func (e *DaemonHostEnv) HTTPPost(url, body string) (string, error) {
	resp, err := e.httpClient.Post(url, "application/json", bytes.NewReader([]byte(body)))
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

func (e *DaemonHostEnv) ReadFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (e *DaemonHostEnv) WriteFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

// GetSecret resolves name from the OS keychain. A skill only reaches
// this call at all if the Capability Enforcer already granted it
// GetSecret, so there is no further access check here.
func (e *DaemonHostEnv) GetSecret(name string) (string, error) {
	secret, err := keyring.Get(KeyringService, name)
	if err != nil {
		return "", fmt.Errorf("retrieving secret %q: %w", name, err)
	}
	e.masker.AddSecret(secret)
	return secret, nil
}

func (e *DaemonHostEnv) ReadEnv(name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %q is not set", name)
	}
	e.masker.AddSecretsFromEnv(map[string]string{name: v})
	return v, nil
}
