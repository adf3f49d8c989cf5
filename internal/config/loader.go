package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/conduit/internal/auth"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory holding
// config.yaml. Files listed under include are merged in order, later files
// overriding earlier ones.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveRoot(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourceFiles = make(map[string]*yaml.Node)
	addSourceNode(cfg, absPath)

	visited := map[string]bool{absPath: true}
	if len(cfg.Include) > 0 {
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	cfg = applyConfigDefaults(cfg)

	paths := make([]string, 0, len(visited))
	for p := range visited {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	if err := verifyAllConfigHashes(paths); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DiscoverConfigDir finds the config directory by checking standard locations.
// Priority order: $CONDUIT_CONFIG_DIR, ~/.config/conduit, /etc/conduit, ./config.yaml
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("CONDUIT_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "conduit")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/conduit"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	localConfigPath := "./config.yaml"
	if _, err := os.Stat(localConfigPath); err == nil {
		return localConfigPath, nil
	}

	return "", fmt.Errorf("no config found (checked: $CONDUIT_CONFIG_DIR, ~/.config/conduit, /etc/conduit, ./config.yaml)")
}

// DiscoverAllConfigFiles returns absolute paths to all configuration files in the include tree.
func DiscoverAllConfigFiles(configPath string) ([]string, error) {
	absPath, err := resolveRoot(configPath)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{absPath: true}
	if err := collectIncludes(absPath, visited); err != nil {
		return nil, err
	}

	files := make([]string, 0, len(visited))
	for f := range visited {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

func resolveRoot(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// collectIncludes walks the include tree of file without merging anything.
func collectIncludes(file string, visited map[string]bool) error {
	cfg, err := loadConfigFile(file)
	if err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	baseDir := filepath.Dir(file)
	for i, includePath := range cfg.Include {
		absPath, err := resolveInclude(i, includePath, baseDir)
		if err != nil {
			return err
		}
		if visited[absPath] {
			continue
		}
		visited[absPath] = true
		if err := collectIncludes(absPath, visited); err != nil {
			return err
		}
	}
	return nil
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		absPath, err := resolveInclude(i, includePath, baseDir)
		if err != nil {
			return err
		}
		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		visited[absPath] = true

		addSourceNode(cfg, absPath)
		includedCfg, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}

		deepMergeConfig(cfg, includedCfg)

		if len(includedCfg.Include) > 0 {
			if err := loadIncludes(cfg, includedCfg.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}

	return nil
}

func resolveInclude(i int, includePath, baseDir string) (string, error) {
	includePath = interpolateEnv(includePath)
	resolved := includePath
	if !filepath.IsAbs(includePath) {
		resolved = filepath.Join(baseDir, includePath)
	}

	absPath, err := filepath.Abs(resolved)
	if err != nil {
		return "", fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
	}

	if _, err := os.Stat(absPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("include[%d]: file not found: %s\n"+
				"Referenced from: %s\n"+
				"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
		}
		return "", fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
	}
	return absPath, nil
}

func addSourceNode(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err == nil {
		cfg.SourceFiles[path] = &node
	}
}

// loadConfigFile loads and parses a single config file without defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &cfg, nil
}

// deepMergeConfig merges src into dst, with src taking precedence for non-zero values.
func deepMergeConfig(dst, src *Config) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.Service.LogFormat != "" {
		dst.Service.LogFormat = src.Service.LogFormat
	}

	if src.State.Path != "" {
		dst.State.Path = src.State.Path
	}

	if src.API.Enabled {
		dst.API.Enabled = true
	}
	if src.API.Listen != "" {
		dst.API.Listen = src.API.Listen
	}
	if src.API.Auth.APIKey != "" {
		dst.API.Auth.APIKey = src.API.Auth.APIKey
	}
	dst.API.Auth.Tokens = append(dst.API.Auth.Tokens, src.API.Auth.Tokens...)

	if src.Worker.Command != "" {
		dst.Worker.Command = src.Worker.Command
		dst.Worker.Args = src.Worker.Args
	}
	if src.Worker.IdleTimeout != 0 {
		dst.Worker.IdleTimeout = src.Worker.IdleTimeout
	}
	if src.Worker.RPCTimeout != 0 {
		dst.Worker.RPCTimeout = src.Worker.RPCTimeout
	}
	if src.Worker.KillGrace != 0 {
		dst.Worker.KillGrace = src.Worker.KillGrace
	}
	if src.Worker.Permissions != nil {
		dst.Worker.Permissions = src.Worker.Permissions
	}

	if src.Runner.ScriptTimeout != 0 {
		dst.Runner.ScriptTimeout = src.Runner.ScriptTimeout
	}
	if src.Runner.KillGrace != 0 {
		dst.Runner.KillGrace = src.Runner.KillGrace
	}
	if src.Runner.RPCTimeout != 0 {
		dst.Runner.RPCTimeout = src.Runner.RPCTimeout
	}

	// Interpreters are keyed by extension, later files override per key.
	if src.Interpreters != nil {
		if dst.Interpreters == nil {
			dst.Interpreters = make(map[string][]string)
		}
		for ext, candidates := range src.Interpreters {
			dst.Interpreters[ext] = candidates
		}
	}

	dst.ExtensionsDir = append(dst.ExtensionsDir, src.ExtensionsDir...)
	dst.EnvAllowlist = append(dst.EnvAllowlist, src.EnvAllowlist...)
	dst.HostAPI.FSRoots = append(dst.HostAPI.FSRoots, src.HostAPI.FSRoots...)

	if src.Webhooks != nil {
		if dst.Webhooks == nil {
			dst.Webhooks = &WebhooksConfig{}
		}
		if src.Webhooks.Listen != "" {
			dst.Webhooks.Listen = src.Webhooks.Listen
		}
		dst.Webhooks.Endpoints = append(dst.Webhooks.Endpoints, src.Webhooks.Endpoints...)
	}
	dst.Schedules = append(dst.Schedules, src.Schedules...)
	if src.Scheduler.TickInterval != 0 {
		dst.Scheduler.TickInterval = src.Scheduler.TickInterval
	}
	if src.Scheduler.BreakerThreshold != 0 {
		dst.Scheduler.BreakerThreshold = src.Scheduler.BreakerThreshold
	}
	if src.Scheduler.BreakerResetAfter != 0 {
		dst.Scheduler.BreakerResetAfter = src.Scheduler.BreakerResetAfter
	}
}

func verifyAllConfigHashes(paths []string) error {
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if err != nil {
			// Unlocked directories are not verified.
			continue
		}

		for _, path := range files {
			basename := filepath.Base(path)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: conduit config lock --config %s", basename, dir, dir)
			}

			if err := VerifyFileHash(path, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: conduit config lock --config %s", path, err, dir)
			}
		}
	}

	return nil
}

// applyConfigDefaults fills values not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	if cfg.Worker.IdleTimeout == 0 {
		cfg.Worker.IdleTimeout = defaults.Worker.IdleTimeout
	}
	if cfg.Worker.RPCTimeout == 0 {
		cfg.Worker.RPCTimeout = defaults.Worker.RPCTimeout
	}
	if cfg.Worker.KillGrace == 0 {
		cfg.Worker.KillGrace = defaults.Worker.KillGrace
	}
	if cfg.Worker.Permissions == nil {
		cfg.Worker.Permissions = defaults.Worker.Permissions
	}

	if cfg.Runner.ScriptTimeout == 0 {
		cfg.Runner.ScriptTimeout = defaults.Runner.ScriptTimeout
	}
	if cfg.Runner.KillGrace == 0 {
		cfg.Runner.KillGrace = defaults.Runner.KillGrace
	}
	if cfg.Runner.RPCTimeout == 0 {
		cfg.Runner.RPCTimeout = defaults.Runner.RPCTimeout
	}

	if len(cfg.ExtensionsDir) == 0 {
		cfg.ExtensionsDir = defaults.ExtensionsDir
	}

	if cfg.Scheduler.TickInterval == 0 {
		cfg.Scheduler.TickInterval = defaults.Scheduler.TickInterval
	}
	if cfg.Scheduler.BreakerThreshold == 0 {
		cfg.Scheduler.BreakerThreshold = defaults.Scheduler.BreakerThreshold
	}
	if cfg.Scheduler.BreakerResetAfter == 0 {
		cfg.Scheduler.BreakerResetAfter = defaults.Scheduler.BreakerResetAfter
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and rejected by validate where it matters.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if err := checkUnresolved("state.path", cfg.State.Path); err != nil {
		return err
	}

	if cfg.Worker.IdleTimeout < 0 || cfg.Worker.RPCTimeout < 0 || cfg.Worker.KillGrace < 0 {
		return fmt.Errorf("worker timeouts must not be negative")
	}
	if _, err := auth.NewPermissions(cfg.Worker.Permissions); err != nil {
		return fmt.Errorf("worker.permissions: %w", err)
	}

	for ext, candidates := range cfg.Interpreters {
		if len(candidates) == 0 {
			return fmt.Errorf("interpreters[%q] must name at least one interpreter", ext)
		}
		for _, c := range candidates {
			if c == "" {
				return fmt.Errorf("interpreters[%q] contains an empty name", ext)
			}
		}
	}

	for i, root := range cfg.HostAPI.FSRoots {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("host_api.fs_roots[%d] must be absolute (got %q)", i, root)
		}
	}

	if err := validateWebhooks(cfg.Webhooks); err != nil {
		return err
	}
	if cfg.Scheduler.TickInterval < 0 || cfg.Scheduler.BreakerThreshold < 0 || cfg.Scheduler.BreakerResetAfter < 0 {
		return fmt.Errorf("scheduler settings must not be negative")
	}
	for i, sc := range cfg.Schedules {
		if strings.TrimSpace(sc.Workflow) == "" {
			return fmt.Errorf("schedules[%d].workflow is required", i)
		}
		if _, err := ParseInterval(sc.Every); err != nil {
			return fmt.Errorf("schedules[%d].every: %w", i, err)
		}
		if sc.Jitter < 0 {
			return fmt.Errorf("schedules[%d].jitter must not be negative", i)
		}
	}

	if cfg.API.Enabled {
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth requires api_key or tokens when the API is enabled")
		}
		if err := checkUnresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := checkUnresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	return nil
}

func validateWebhooks(wc *WebhooksConfig) error {
	if wc == nil || len(wc.Endpoints) == 0 {
		return nil
	}
	if wc.Listen == "" {
		return fmt.Errorf("webhooks.listen is required when endpoints are configured")
	}
	seen := make(map[string]bool, len(wc.Endpoints))
	for i, ep := range wc.Endpoints {
		field := fmt.Sprintf("webhooks.endpoints[%d]", i)
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("%s.path must start with / (got %q)", field, ep.Path)
		}
		if seen[ep.Path] {
			return fmt.Errorf("%s.path %q is duplicated", field, ep.Path)
		}
		seen[ep.Path] = true
		if ep.Workflow == "" {
			return fmt.Errorf("%s.workflow is required", field)
		}
		if ep.Secret == "" {
			return fmt.Errorf("%s.secret is required", field)
		}
		if err := checkUnresolved(field+".secret", ep.Secret); err != nil {
			return err
		}
		if ep.SignatureHeader == "" {
			return fmt.Errorf("%s.signature_header is required", field)
		}
		if _, err := ParseByteSize(ep.MaxBodySize, 1); err != nil {
			return fmt.Errorf("%s.max_body_size: %w", field, err)
		}
	}
	return nil
}

// ParseInterval converts a schedule's every string to a duration.
func ParseInterval(interval string) (time.Duration, error) {
	switch interval {
	case "hourly":
		return time.Hour, nil
	case "daily":
		return 24 * time.Hour, nil
	case "weekly":
		return 7 * 24 * time.Hour, nil
	}

	var d time.Duration
	var err error
	switch {
	case strings.HasSuffix(interval, "d"), strings.HasSuffix(interval, "w"):
		unit := 24 * time.Hour
		if strings.HasSuffix(interval, "w") {
			unit *= 7
		}
		var n int
		n, err = strconv.Atoi(interval[:len(interval)-1])
		d = time.Duration(n) * unit
	default:
		d, err = time.ParseDuration(interval)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid schedule interval %q: %w", interval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("schedule interval must be positive: %q", interval)
	}
	return d, nil
}

// ParseByteSize parses sizes like "1MB", "512KB" or "2048". Empty returns
// def.
func ParseByteSize(size string, def int64) (int64, error) {
	if size == "" {
		return def, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{{"KB", 1 << 10}, {"MB", 1 << 20}, {"GB", 1 << 30}} {
		if strings.HasSuffix(upper, unit.suffix) {
			multiplier = unit.mult
			upper = strings.TrimSuffix(upper, unit.suffix)
			break
		}
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", size, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive: %q", size)
	}
	if value > (1<<62)/multiplier {
		return 0, fmt.Errorf("size too large: %q", size)
	}
	return value * multiplier, nil
}

func checkUnresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// TokenConfigs converts configured API tokens for auth.Authenticate.
func (c *Config) TokenConfigs() []auth.TokenConfig {
	out := make([]auth.TokenConfig, 0, len(c.API.Auth.Tokens))
	for _, t := range c.API.Auth.Tokens {
		out = append(out, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return out
}
