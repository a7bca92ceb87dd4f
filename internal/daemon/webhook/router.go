// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package webhook implements the Webhook Registry (§4.8): a set of
// registered HTTP routes, each mapped to a workflow and an auth
// variant, that turn an inbound POST into a workflow run.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// AuthType selects how a route authenticates an inbound request. The
// registry supports exactly three variants (§4.8); anything else is a
// configuration error caught at route registration time.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthHMAC   AuthType = "hmac"
	AuthBearer AuthType = "bearer"
)

// Route maps one URL path to a workflow trigger.
type Route struct {
	Path         string            `yaml:"path" json:"path"`
	Workflow     string            `yaml:"workflow" json:"workflow"`
	AuthType     AuthType          `yaml:"auth_type" json:"auth_type"`
	Secret       string            `yaml:"secret,omitempty" json:"secret,omitempty"`
	Events       []string          `yaml:"events,omitempty" json:"events,omitempty"`
	InputMapping map[string]string `yaml:"input_mapping,omitempty" json:"input_mapping,omitempty"`
}

// Config contains webhook registry configuration.
type Config struct {
	Routes []Route `yaml:"routes" json:"routes"`
}

// Launcher starts a workflow run. pkg/workflow's Executor satisfies
// this directly; the daemon passes it in as-is.
type Launcher interface {
	Launch(ctx context.Context, workflowName string, triggerType string, payload interface{}) (runID string, err error)
}

// Router is the Webhook Registry: it verifies each inbound request
// against its route's configured auth variant, filters by event type,
// maps the payload into workflow inputs, and launches a run.
type Router struct {
	routes   []Route
	launcher Launcher
	draining func() bool
	verifier *GenericHandler
	logger   *slog.Logger
}

// NewRouter validates cfg.Routes and returns a ready-to-register
// Router. draining, if non-nil, lets the daemon reject new webhook
// fires while it is shutting down.
func NewRouter(cfg Config, launcher Launcher, draining func() bool) (*Router, error) {
	if draining == nil {
		draining = func() bool { return false }
	}
	for _, route := range cfg.Routes {
		switch route.AuthType {
		case AuthNone, AuthHMAC, AuthBearer:
		default:
			return nil, &conductorerrors.WebhookAuthError{Kind: string(route.AuthType), Reason: "unsupported auth_type"}
		}
		if (route.AuthType == AuthHMAC || route.AuthType == AuthBearer) && route.Secret == "" {
			return nil, &conductorerrors.WebhookAuthError{Kind: string(route.AuthType), Reason: "secret is required for this auth_type"}
		}
	}
	return &Router{
		routes:   cfg.Routes,
		launcher: launcher,
		draining: draining,
		verifier: &GenericHandler{},
		logger:   slog.Default().With(slog.String("component", "webhook")),
	}, nil
}

// RegisterRoutes mounts every configured route on mux.
func (router *Router) RegisterRoutes(mux *http.ServeMux) {
	for _, route := range router.routes {
		route := route // capture for closure
		mux.HandleFunc("POST "+route.Path, func(w http.ResponseWriter, r *http.Request) {
			router.handle(w, r, route)
		})
	}
}

func (router *Router) handle(w http.ResponseWriter, r *http.Request, route Route) {
	if router.draining() {
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusServiceUnavailable, "daemon is shutting down gracefully")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := router.authenticate(route, r, body); err != nil {
		router.logger.Warn("webhook auth failed",
			slog.String("path", route.Path),
			slog.String("auth_type", string(route.AuthType)),
			slog.Any("error", err),
		)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	event := router.verifier.ParseEvent(r)
	if len(route.Events) > 0 && !contains(route.Events, event) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ignored",
			"message": fmt.Sprintf("event %q is not in this route's configured events", event),
		})
		return
	}

	payload, err := router.verifier.ExtractPayload(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse payload: %v", err))
		return
	}

	inputs := router.mapInputs(payload, route.InputMapping, event)

	runID, err := router.launcher.Launch(r.Context(), route.Workflow, "webhook", inputs)
	if err != nil {
		if _, ok := err.(*conductorerrors.NotFoundError); ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("workflow not found: %s", route.Workflow))
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to launch workflow: %v", err))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "triggered",
		"run_id":   runID,
		"workflow": route.Workflow,
		"event":    event,
	})
}

// authenticate dispatches to the route's configured variant. none
// always passes; hmac and bearer both reuse the generic handler's
// multi-header fallback, scoped down to exactly the header family
// matching the route's declared type.
func (router *Router) authenticate(route Route, r *http.Request, body []byte) error {
	switch route.AuthType {
	case AuthNone:
		return nil
	case AuthHMAC:
		sig := r.Header.Get("X-Webhook-Signature")
		if sig == "" {
			sig = r.Header.Get("X-Signature")
			if sig != "" {
				sig = "sha256=" + sig
			}
		}
		if sig == "" {
			return fmt.Errorf("no signature header found")
		}
		return router.verifier.verifyHMAC(sig, body, route.Secret)
	case AuthBearer:
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			return fmt.Errorf("missing bearer token")
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimPrefix(auth, "Bearer ")), []byte(route.Secret)) != 1 {
			return fmt.Errorf("invalid token")
		}
		return nil
	}
	return fmt.Errorf("unsupported auth_type %q", route.AuthType)
}

// mapInputs applies route.InputMapping, falling back to flattening
// the whole payload into inputs when no mapping is configured.
func (router *Router) mapInputs(payload map[string]any, mapping map[string]string, event string) map[string]any {
	inputs := map[string]any{
		"_event":   event,
		"_payload": payload,
	}
	if mapping == nil {
		for k, v := range payload {
			inputs[k] = v
		}
		return inputs
	}
	for inputName, expr := range mapping {
		if value := evaluateExpression(expr, payload); value != nil {
			inputs[inputName] = value
		}
	}
	return inputs
}

// evaluateExpression evaluates a simple JSONPath-like expression.
// Supports $.field, $.nested.field, and literal values.
func evaluateExpression(expr string, payload map[string]any) any {
	if !strings.HasPrefix(expr, "$") {
		return expr
	}
	path := strings.TrimPrefix(expr, "$.")
	parts := strings.Split(path, ".")

	var current any = payload
	for _, part := range parts {
		if part == "" {
			continue
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
