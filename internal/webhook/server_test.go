package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mattjoyce/conduit/internal/config"
)

type fakeExecutor struct {
	runID string
	err   error

	calls      int
	workflowID string
	input      json.RawMessage
}

func (f *fakeExecutor) ExecuteWorkflow(_ context.Context, workflowID string, input json.RawMessage) (string, error) {
	f.calls++
	f.workflowID = workflowID
	f.input = input
	return f.runID, f.err
}

const testSecret = "hook-secret"

func newTestServer(exec Executor) http.Handler {
	cfg := Config{
		Listen: "127.0.0.1:0",
		Endpoints: []Endpoint{{
			Path:            "/hooks/deploy",
			WorkflowID:      "wf-deploy",
			Secret:          testSecret,
			SignatureHeader: "X-Hub-Signature-256",
			MaxBodySize:     64,
		}},
	}
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	return New(cfg, exec, logger).Handler()
}

func deliver(h http.Handler, path string, body []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if sig != "" {
		req.Header.Set("X-Hub-Signature-256", sig)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDeliveryStartsWorkflow(t *testing.T) {
	exec := &fakeExecutor{runID: "run-1"}
	h := newTestServer(exec)
	body := []byte(`{"ref":"main"}`)

	rec := deliver(h, "/hooks/deploy", body, Signature(body, testSecret))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp TriggerResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.RunID != "run-1" || resp.WorkflowID != "wf-deploy" || resp.Status != "running" {
		t.Errorf("response = %+v", resp)
	}
	if exec.workflowID != "wf-deploy" || string(exec.input) != string(body) {
		t.Errorf("executor got %q %s", exec.workflowID, exec.input)
	}
}

func TestDeliveryRejections(t *testing.T) {
	body := []byte(`{"ref":"main"}`)
	tests := []struct {
		name       string
		path       string
		body       []byte
		sig        string
		exec       *fakeExecutor
		wantStatus int
		wantBody   string
	}{
		{name: "missing signature", path: "/hooks/deploy", body: body, wantStatus: http.StatusForbidden, wantBody: "forbidden"},
		{name: "bad signature", path: "/hooks/deploy", body: body, sig: Signature(body, "nope"), wantStatus: http.StatusForbidden, wantBody: "forbidden"},
		{name: "too large", path: "/hooks/deploy", body: []byte(`{"x":"` + strings.Repeat("a", 80) + `"}`), sig: "sha256=00", wantStatus: http.StatusRequestEntityTooLarge},
		{name: "not json", path: "/hooks/deploy", body: []byte("plain"), sig: Signature([]byte("plain"), testSecret), wantStatus: http.StatusBadRequest},
		{name: "unknown path", path: "/hooks/other", body: body, sig: Signature(body, testSecret), wantStatus: http.StatusNotFound},
		{
			name: "executor fails", path: "/hooks/deploy", body: body, sig: Signature(body, testSecret),
			exec: &fakeExecutor{err: errors.New("worker gone")}, wantStatus: http.StatusInternalServerError, wantBody: "failed to start workflow",
		},
		{
			name: "disabled workflow", path: "/hooks/deploy", body: body, sig: Signature(body, testSecret),
			exec: &fakeExecutor{}, wantStatus: http.StatusOK, wantBody: `"status":"disabled"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := tt.exec
			if exec == nil {
				exec = &fakeExecutor{runID: "unexpected"}
			}
			rec := deliver(newTestServer(exec), tt.path, tt.body, tt.sig)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want containing %s", rec.Body.String(), tt.wantBody)
			}
			if tt.exec == nil && exec.calls != 0 {
				t.Error("rejected delivery reached the executor")
			}
		})
	}
}

func TestEmptyBodyHasNoInput(t *testing.T) {
	exec := &fakeExecutor{runID: "run-2"}
	rec := deliver(newTestServer(exec), "/hooks/deploy", nil, Signature(nil, testSecret))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if exec.input != nil {
		t.Errorf("input = %s, want nil", exec.input)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	srv := New(Config{Listen: "127.0.0.1:0"}, &fakeExecutor{}, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start() = %v", err)
	}
}

func TestFromConfig(t *testing.T) {
	cfg, err := FromConfig(&config.WebhooksConfig{
		Listen: "127.0.0.1:8081",
		Endpoints: []config.WebhookEndpoint{
			{Path: "/a", Workflow: "wf-a", Secret: "s", SignatureHeader: "X-Sig"},
			{Path: "/b", Workflow: "wf-b", Secret: "s", SignatureHeader: "X-Sig", MaxBodySize: "4KB"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Endpoints) != 2 {
		t.Fatalf("endpoints = %+v", cfg.Endpoints)
	}
	if cfg.Endpoints[0].MaxBodySize != DefaultMaxBodySize || cfg.Endpoints[1].MaxBodySize != 4096 {
		t.Errorf("sizes = %d, %d", cfg.Endpoints[0].MaxBodySize, cfg.Endpoints[1].MaxBodySize)
	}
	if cfg.Endpoints[1].WorkflowID != "wf-b" {
		t.Errorf("workflow = %q", cfg.Endpoints[1].WorkflowID)
	}

	if _, err := FromConfig(&config.WebhooksConfig{Endpoints: []config.WebhookEndpoint{{Path: "/a", MaxBodySize: "big", Secret: "s"}}}); err == nil {
		t.Error("want error for bad max_body_size")
	}
	if _, err := FromConfig(&config.WebhooksConfig{Endpoints: []config.WebhookEndpoint{{Path: "/a"}}}); err == nil {
		t.Error("want error for missing secret")
	}
	empty, err := FromConfig(nil)
	if err != nil || len(empty.Endpoints) != 0 {
		t.Errorf("FromConfig(nil) = %+v, %v", empty, err)
	}
}
