package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/extension"
)

type fakeResolver map[string]string

func (f fakeResolver) Resolve(file string) (string, error) {
	if path, ok := f[filepath.Ext(file)]; ok {
		return path, nil
	}
	return "", errors.New("no interpreter for " + filepath.Ext(file))
}

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.State.Path = filepath.Join(t.TempDir(), "conduit.db")
	cfg.ExtensionsDir = []string{t.TempDir()}
	return cfg
}

func registryWith(exts ...*extension.Extension) *extension.Registry {
	r := extension.NewRegistry()
	for _, e := range exts {
		_ = r.Add(e)
	}
	return r
}

func reportExt() *extension.Extension {
	return &extension.Extension{
		Name: "report",
		Path: "/opt/ext/report",
		Commands: extension.Commands{
			{Name: "daily", Mode: extension.ModeScript, File: "daily.py"},
			{Name: "copy", Mode: extension.ModeWorker, File: "copy"},
		},
	}
}

func hasIssue(issues []Issue, category, fieldPart string) bool {
	for _, i := range issues {
		if i.Category == category && strings.Contains(i.Field, fieldPart) {
			return true
		}
	}
	return false
}

func TestValidate_ValidConfig(t *testing.T) {
	d := New(validConfig(t), registryWith(reportExt()), fakeResolver{".py": "/usr/bin/python3"})
	r := d.Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if hasIssue(r.Warnings, "extensions", "extensions_dir") {
		t.Errorf("unexpected empty-registry warning: %v", r.Warnings)
	}
}

func TestValidate_MissingInterpreter(t *testing.T) {
	d := New(validConfig(t), registryWith(reportExt()), fakeResolver{})
	r := d.Validate()
	if r.Valid {
		t.Fatal("expected invalid without a .py interpreter")
	}
	if !hasIssue(r.Errors, "interpreters", "report.daily") {
		t.Errorf("missing interpreter error: %v", r.Errors)
	}
}

func TestValidate_MissingViewAction(t *testing.T) {
	ext := &extension.Extension{
		Name: "panel",
		Path: t.TempDir(),
		Commands: extension.Commands{
			{Name: "open", Mode: extension.ModeView, View: "index.html", ViewAction: "action"},
		},
	}
	r := New(validConfig(t), registryWith(ext), nil).Validate()
	if !hasIssue(r.Errors, "extensions", "panel.open") {
		t.Errorf("expected view action error, got %v", r.Errors)
	}
}

func TestValidate_ExtensionDirs(t *testing.T) {
	cfg := validConfig(t)
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.ExtensionsDir = []string{"/does/not/exist", file}

	r := New(cfg, nil, nil).Validate()
	if !hasIssue(r.Errors, "extensions", "extensions_dir[0]") || !hasIssue(r.Errors, "extensions", "extensions_dir[1]") {
		t.Errorf("expected both directory errors, got %v", r.Errors)
	}
	if !hasIssue(r.Warnings, "extensions", "extensions_dir") {
		t.Errorf("expected empty-registry warning, got %v", r.Warnings)
	}
}

func TestValidate_Worker(t *testing.T) {
	cfg := validConfig(t)
	cfg.Worker.Command = "conduit-worker-missing"
	cfg.Worker.Permissions = append(cfg.Worker.Permissions, "workflow")

	d := New(cfg, registryWith(reportExt()), fakeResolver{".py": "py"})
	d.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	r := d.Validate()
	if !hasIssue(r.Errors, "worker", "worker.command") {
		t.Errorf("expected worker command error, got %v", r.Errors)
	}
	if !hasIssue(r.Warnings, "worker", "worker.permissions") {
		t.Errorf("expected fan-out warning, got %v", r.Warnings)
	}
}

func TestValidate_TokenScopes(t *testing.T) {
	cfg := validConfig(t)
	cfg.API.Enabled = true
	cfg.API.Auth.Tokens = []config.APIToken{
		{Token: "a", Scopes: []string{"runs:ro", "jobs:rw"}},
		{Token: "a", Scopes: []string{"*"}},
	}

	r := New(cfg, registryWith(reportExt()), fakeResolver{".py": "py"}).Validate()
	if !hasIssue(r.Errors, "token_scopes", "tokens[0].scopes[1]") {
		t.Errorf("expected unknown scope error, got %v", r.Errors)
	}
	if !hasIssue(r.Errors, "token_scopes", "tokens[1].token") {
		t.Errorf("expected duplicate token error, got %v", r.Errors)
	}
}

func TestValidate_APIKeyWarning(t *testing.T) {
	cfg := validConfig(t)
	cfg.API.Enabled = true
	cfg.API.Auth.APIKey = "k"

	r := New(cfg, registryWith(reportExt()), fakeResolver{".py": "py"}).Validate()
	if !r.Valid {
		t.Fatalf("api_key alone is valid, got %v", r.Errors)
	}
	if !hasIssue(r.Warnings, "api", "api.auth.api_key") {
		t.Errorf("expected api_key warning, got %v", r.Warnings)
	}
}

func TestValidate_Triggers(t *testing.T) {
	cfg := validConfig(t)
	cfg.API.Enabled = true
	cfg.API.Auth.APIKey = "k"
	cfg.Webhooks = &config.WebhooksConfig{
		Listen:    cfg.API.Listen,
		Endpoints: []config.WebhookEndpoint{{Path: "/hooks/a", Workflow: "wf-a", Secret: "s", SignatureHeader: "X-Sig"}},
	}
	cfg.Schedules = []config.ScheduleConfig{
		{Workflow: "wf-a", Every: "5m"},
		{Workflow: "wf-a", Every: "1h"},
	}

	r := New(cfg, registryWith(reportExt()), fakeResolver{".py": "py"}).Validate()
	if !hasIssue(r.Errors, "webhooks", "webhooks.listen") {
		t.Errorf("expected listen conflict, got %v", r.Errors)
	}
	if !hasIssue(r.Warnings, "schedules", "schedules[1].workflow") {
		t.Errorf("expected duplicate schedule warning, got %v", r.Warnings)
	}
}

func TestValidate_EnvAndIntegrityWarnings(t *testing.T) {
	cfg := validConfig(t)
	cfg.EnvAllowlist = []string{"CONDUIT_DOCTOR_SURELY_UNSET"}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("service:\n  name: x\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	loaded, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.SourceFiles = loaded.SourceFiles

	r := New(cfg, registryWith(reportExt()), fakeResolver{".py": "py"}).Validate()
	if !hasIssue(r.Warnings, "env_vars", "env_allowlist[0]") {
		t.Errorf("expected env warning, got %v", r.Warnings)
	}
	if !hasIssue(r.Warnings, "integrity", dir) {
		t.Errorf("expected unlocked warning, got %v", r.Warnings)
	}

	if _, err := config.Lock(dir, false); err != nil {
		t.Fatal(err)
	}
	r = New(cfg, registryWith(reportExt()), fakeResolver{".py": "py"}).Validate()
	if hasIssue(r.Warnings, "integrity", dir) {
		t.Errorf("locked config still warned: %v", r.Warnings)
	}
}

func TestFormatHuman(t *testing.T) {
	r := &Result{Valid: true}
	if got := FormatHuman(r); got != "Configuration valid.\n" {
		t.Errorf("FormatHuman() = %q", got)
	}

	r = &Result{
		Valid:    false,
		Errors:   []Issue{{Category: "worker", Field: "worker.command", Message: "missing"}},
		Warnings: []Issue{{Category: "env_vars", Message: "unset"}},
	}
	got := FormatHuman(r)
	for _, want := range []string{"invalid (1 error(s), 1 warning(s))", "ERROR [worker] worker.command: missing", "WARN  [env_vars] unset"} {
		if !strings.Contains(got, want) {
			t.Errorf("FormatHuman() missing %q:\n%s", want, got)
		}
	}

	js, err := FormatJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(js, `"valid": false`) {
		t.Errorf("FormatJSON() = %s", js)
	}
}
