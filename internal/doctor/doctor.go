// Package doctor validates conduit configuration against the extensions it
// would load.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/mattjoyce/conduit/internal/auth"
	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/extension"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Resolver finds the interpreter for a script file.
type Resolver interface {
	Resolve(file string) (string, error)
}

var knownScopes = []string{
	auth.ScopeAll,
	auth.ScopeWorkflowsRO, auth.ScopeWorkflowsRW,
	auth.ScopeRunsRO, auth.ScopeRunsRW,
	auth.ScopeEventsRO,
}

// Doctor validates configuration against discovered extensions.
type Doctor struct {
	cfg      *config.Config
	registry *extension.Registry
	resolver Resolver
	lookPath func(string) (string, error)
}

// New creates a Doctor. registry may be nil when discovery failed.
func New(cfg *config.Config, registry *extension.Registry, resolver Resolver) *Doctor {
	if registry == nil {
		registry = extension.NewRegistry()
	}
	return &Doctor{cfg: cfg, registry: registry, resolver: resolver, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateState(r)
	d.validateExtensionDirs(r)
	d.validateExtensions(r)
	d.validateWorker(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.validateTriggers(r)
	d.warnMissingEnvVars(r)
	d.warnUnlockedConfig(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateState(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "state", "state.path", "state.path is required")
		return
	}
	dir := filepath.Dir(d.cfg.State.Path)
	if info, err := os.Stat(dir); err == nil && !info.IsDir() {
		d.addError(r, "state", "state.path", fmt.Sprintf("parent %s is not a directory", dir))
	}
}

func (d *Doctor) validateExtensionDirs(r *Result) {
	for i, dir := range d.cfg.ExtensionsDir {
		field := fmt.Sprintf("extensions_dir[%d]", i)
		info, err := os.Stat(dir)
		if err != nil {
			d.addError(r, "extensions", field, fmt.Sprintf("directory %s does not exist", dir))
			continue
		}
		if !info.IsDir() {
			d.addError(r, "extensions", field, fmt.Sprintf("%s is not a directory", dir))
		}
	}
	if len(d.registry.Names()) == 0 {
		d.addWarning(r, "extensions", "extensions_dir", "no extensions discovered")
	}
}

// validateExtensions checks every script command has an interpreter and
// every view action exists.
func (d *Doctor) validateExtensions(r *Result) {
	for _, name := range d.registry.Names() {
		ext, _ := d.registry.Get(name)
		for _, cmd := range ext.Commands {
			field := fmt.Sprintf("%s.%s", name, cmd.Name)
			switch cmd.Mode {
			case extension.ModeScript:
				if d.resolver == nil {
					continue
				}
				if _, err := d.resolver.Resolve(ext.FilePath(cmd)); err != nil {
					d.addError(r, "interpreters", field, err.Error())
				}
			case extension.ModeView:
				if path := ext.ViewActionPath(cmd); path != "" {
					if _, err := os.Stat(path); err != nil {
						d.addError(r, "extensions", field, fmt.Sprintf("view action %s not found", cmd.ViewAction))
					}
				}
			}
		}
	}
}

func (d *Doctor) validateWorker(r *Result) {
	if cmd := d.cfg.Worker.Command; cmd != "" {
		if _, err := d.lookPath(cmd); err != nil {
			d.addError(r, "worker", "worker.command", fmt.Sprintf("worker command %q not found: %v", cmd, err))
		}
	}
	if slices.Contains(d.cfg.Worker.Permissions, auth.CapWorkflow) {
		d.addWarning(r, "worker", "worker.permissions",
			"workflows may start other workflows; runs can fan out without bound")
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth.api_key",
			"api_key grants full access; prefer tokens with scopes")
	}
}

func (d *Doctor) validateTriggers(r *Result) {
	if wh := d.cfg.Webhooks; wh != nil && len(wh.Endpoints) > 0 {
		if d.cfg.API.Enabled && wh.Listen == d.cfg.API.Listen {
			d.addError(r, "webhooks", "webhooks.listen",
				fmt.Sprintf("webhooks.listen %s is already used by api.listen", wh.Listen))
		}
	}

	seen := make(map[string]int)
	for i, sc := range d.cfg.Schedules {
		if prev, dup := seen[sc.Workflow]; dup {
			d.addWarning(r, "schedules", fmt.Sprintf("schedules[%d].workflow", i),
				fmt.Sprintf("workflow %s is also scheduled by schedules[%d]; overlapping slots are skipped", sc.Workflow, prev))
		}
		seen[sc.Workflow] = i
	}
}

func (d *Doctor) validateTokenScopes(r *Result) {
	seen := make(map[string]int)
	for i, token := range d.cfg.API.Auth.Tokens {
		if prev, dup := seen[token.Token]; dup && token.Token != "" {
			d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].token", i),
				fmt.Sprintf("duplicates api.auth.tokens[%d]", prev))
		}
		seen[token.Token] = i
		for j, scope := range token.Scopes {
			if !slices.Contains(knownScopes, scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (valid: %s)", scope, strings.Join(knownScopes, ", ")))
			}
		}
	}
}

// warnMissingEnvVars flags allowlisted variables that are not set.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	for i, name := range d.cfg.EnvAllowlist {
		if _, ok := os.LookupEnv(name); !ok {
			d.addWarning(r, "env_vars", fmt.Sprintf("env_allowlist[%d]", i),
				fmt.Sprintf("environment variable %s is not set", name))
		}
	}
}

// warnUnlockedConfig flags config directories without a checksum manifest.
func (d *Doctor) warnUnlockedConfig(r *Result) {
	dirs := make(map[string]struct{})
	for path := range d.cfg.SourceFiles {
		dirs[filepath.Dir(path)] = struct{}{}
	}
	sorted := make([]string, 0, len(dirs))
	for dir := range dirs {
		sorted = append(sorted, dir)
	}
	sort.Strings(sorted)
	for _, dir := range sorted {
		if _, err := config.LoadChecksums(dir); err != nil {
			d.addWarning(r, "integrity", dir, "config is not locked (run 'conduit config lock')")
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
