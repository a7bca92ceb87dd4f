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

package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeLauncher struct {
	runID    string
	err      error
	gotName  string
	gotKind  string
	gotInput interface{}
}

func (f *fakeLauncher) Launch(ctx context.Context, workflowName string, triggerType string, payload interface{}) (string, error) {
	f.gotName = workflowName
	f.gotKind = triggerType
	f.gotInput = payload
	if f.err != nil {
		return "", f.err
	}
	return f.runID, nil
}

func newTestRouter(t *testing.T, routes []Route, launcher Launcher, draining func() bool) *Router {
	t.Helper()
	router, err := NewRouter(Config{Routes: routes}, launcher, draining)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return router
}

func TestRouterAuthNonePassesThrough(t *testing.T) {
	launcher := &fakeLauncher{runID: "run-1"}
	router := newTestRouter(t, []Route{{Path: "/hooks/deploy", Workflow: "deploy", AuthType: AuthNone}}, launcher, nil)

	mux := http.NewServeMux()
	router.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/hooks/deploy", strings.NewReader(`{"branch":"main"}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if launcher.gotName != "deploy" || launcher.gotKind != "webhook" {
		t.Fatalf("launcher not invoked correctly: %+v", launcher)
	}
}

func TestRouterAuthHMACRejectsBadSignature(t *testing.T) {
	launcher := &fakeLauncher{runID: "run-1"}
	router := newTestRouter(t, []Route{{Path: "/hooks/ci", Workflow: "ci", AuthType: AuthHMAC, Secret: "s3cr3t"}}, launcher, nil)

	mux := http.NewServeMux()
	router.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/hooks/ci", strings.NewReader(`{}`))
	req.Header.Set("X-Webhook-Signature", "sha256=deadbeef")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRouterAuthHMACAcceptsValidSignature(t *testing.T) {
	launcher := &fakeLauncher{runID: "run-2"}
	secret := "s3cr3t"
	router := newTestRouter(t, []Route{{Path: "/hooks/ci", Workflow: "ci", AuthType: AuthHMAC, Secret: secret}}, launcher, nil)

	mux := http.NewServeMux()
	router.RegisterRoutes(mux)

	body := []byte(`{"branch":"main"}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/hooks/ci", strings.NewReader(string(body)))
	req.Header.Set("X-Webhook-Signature", sig)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRouterAuthBearerRejectsMissingToken(t *testing.T) {
	launcher := &fakeLauncher{runID: "run-3"}
	router := newTestRouter(t, []Route{{Path: "/hooks/notify", Workflow: "notify", AuthType: AuthBearer, Secret: "tok123"}}, launcher, nil)

	mux := http.NewServeMux()
	router.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/hooks/notify", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRouterAuthBearerAcceptsValidToken(t *testing.T) {
	launcher := &fakeLauncher{runID: "run-4"}
	router := newTestRouter(t, []Route{{Path: "/hooks/notify", Workflow: "notify", AuthType: AuthBearer, Secret: "tok123"}}, launcher, nil)

	mux := http.NewServeMux()
	router.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/hooks/notify", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer tok123")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRouterFiltersByEvent(t *testing.T) {
	launcher := &fakeLauncher{runID: "run-5"}
	router := newTestRouter(t, []Route{{
		Path:     "/hooks/filtered",
		Workflow: "filtered",
		AuthType: AuthNone,
		Events:   []string{"push"},
	}}, launcher, nil)

	mux := http.NewServeMux()
	router.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/hooks/filtered", strings.NewReader(`{}`))
	req.Header.Set("X-Event-Type", "pull_request")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 (ignored), got %d", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["status"] != "ignored" {
		t.Fatalf("expected ignored status, got %v", resp)
	}
	if launcher.gotName != "" {
		t.Fatalf("launcher should not have been invoked for a filtered event")
	}
}

func TestRouterRejectsDuringDrain(t *testing.T) {
	launcher := &fakeLauncher{runID: "run-6"}
	router := newTestRouter(t, []Route{{Path: "/hooks/drain", Workflow: "drain", AuthType: AuthNone}}, launcher, func() bool { return true })

	mux := http.NewServeMux()
	router.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/hooks/drain", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header during drain")
	}
}

func TestNewRouterRejectsMissingSecret(t *testing.T) {
	_, err := NewRouter(Config{Routes: []Route{{Path: "/x", Workflow: "x", AuthType: AuthHMAC}}}, &fakeLauncher{}, nil)
	if err == nil {
		t.Fatal("expected error for hmac route without secret")
	}
}

func TestMapInputsUsesExpressionMapping(t *testing.T) {
	router := &Router{}
	payload := map[string]any{"repository": map[string]any{"name": "conductor"}}
	inputs := router.mapInputs(payload, map[string]string{"repo_name": "$.repository.name"}, "push")

	if inputs["repo_name"] != "conductor" {
		t.Fatalf("expected mapped repo_name, got %v", inputs["repo_name"])
	}
	if inputs["_event"] != "push" {
		t.Fatalf("expected _event to be set, got %v", inputs["_event"])
	}
}
