package extension

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/conduit/internal/auth"
)

const manifestFilename = "manifest.yaml"

// Registry holds discovered extensions indexed by name.
type Registry struct {
	extensions map[string]*Extension
}

// NewRegistry creates an empty extension registry.
func NewRegistry() *Registry {
	return &Registry{
		extensions: make(map[string]*Extension),
	}
}

// Get retrieves an extension by name.
func (r *Registry) Get(name string) (*Extension, bool) {
	e, ok := r.extensions[name]
	return e, ok
}

// Names returns registered extension names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.extensions))
	for name := range r.extensions {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Add registers an extension.
func (r *Registry) Add(ext *Extension) error {
	if _, exists := r.extensions[ext.Name]; exists {
		return fmt.Errorf("extension %q already registered", ext.Name)
	}
	r.extensions[ext.Name] = ext
	return nil
}

// Discover scans roots for manifest.yaml files. Roots are processed in order;
// duplicate names keep the first extension found. Invalid extensions are
// logged and skipped.
func Discover(roots []string, logger func(level, msg string, args ...any)) (*Registry, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}

	absRoots := make([]string, 0, len(roots))
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve extension root %q: %w", root, err)
		}
		info, err := os.Stat(absRoot)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("extension root does not exist: %s", absRoot)
			}
			return nil, fmt.Errorf("failed to stat extension root %s: %w", absRoot, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("extension root is not a directory: %s", absRoot)
		}
		if slices.Contains(absRoots, absRoot) {
			continue
		}
		absRoots = append(absRoots, absRoot)
	}
	if len(absRoots) == 0 {
		return nil, fmt.Errorf("at least one extension root is required")
	}

	registry := NewRegistry()
	for _, root := range absRoots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() || d.Name() != manifestFilename {
				return nil
			}

			extPath := filepath.Dir(path)
			ext, err := Load(extPath)
			if err != nil {
				logger("warn", "failed to load extension", "root", root, "path", extPath, "error", err.Error())
				return nil
			}

			if err := registry.Add(ext); err != nil {
				existing, _ := registry.Get(ext.Name)
				logger(
					"warn",
					"duplicate extension ignored (keeping first discovered)",
					"extension", ext.Name,
					"ignored_path", ext.Path,
					"kept_path", existing.Path,
				)
				return nil
			}

			logger("info", "loaded extension", "extension", ext.Name, "path", ext.Path, "version", ext.Version)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan extension root %s: %w", root, err)
		}
	}

	return registry, nil
}

// Load reads and validates the extension in dir.
func Load(dir string) (*Extension, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	perms, err := auth.NewPermissions(manifest.Permissions)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	if err := validateTrust(dir, manifest.Commands); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	return &Extension{
		Name:        manifest.Name,
		Path:        dir,
		Version:     manifest.Version,
		Description: manifest.Description,
		Permissions: perms,
		Commands:    manifest.Commands,
	}, nil
}

func validateManifest(m *Manifest) error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if len(m.Commands) == 0 {
		return fmt.Errorf("at least one command must be declared")
	}

	seen := make(map[string]struct{}, len(m.Commands))
	for _, cmd := range m.Commands {
		if cmd.Name == "" {
			return fmt.Errorf("command name is required")
		}
		if _, dup := seen[cmd.Name]; dup {
			return fmt.Errorf("duplicate command %q", cmd.Name)
		}
		seen[cmd.Name] = struct{}{}

		if !cmd.Mode.valid() {
			return fmt.Errorf("invalid mode %q for %q (valid: worker, script, view)", cmd.Mode, cmd.Name)
		}
		switch cmd.Mode {
		case ModeWorker, ModeScript:
			if cmd.File == "" {
				return fmt.Errorf("command %q requires file", cmd.Name)
			}
		case ModeView:
			if cmd.View == "" {
				return fmt.Errorf("command %q requires view", cmd.Name)
			}
		}
		for _, p := range []string{cmd.File, cmd.View, cmd.ViewAction} {
			if strings.Contains(p, "..") || filepath.IsAbs(p) {
				return fmt.Errorf("command %q path must stay inside the extension: %s", cmd.Name, p)
			}
		}
	}
	return nil
}

// validateTrust checks command files resolve inside dir, worker files are
// executable and dir is not world-writable.
func validateTrust(dir string, commands Commands) error {
	resolvedDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve extension path symlink: %w", err)
	}
	info, err := os.Stat(resolvedDir)
	if err != nil {
		return fmt.Errorf("extension directory not found: %w", err)
	}
	if info.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("extension directory is world-writable: %s", resolvedDir)
	}

	for _, cmd := range commands {
		if cmd.File == "" {
			continue
		}
		resolved, err := filepath.EvalSymlinks(filepath.Join(dir, cmd.File))
		if err != nil {
			return fmt.Errorf("command %q file: %w", cmd.Name, err)
		}
		if !strings.HasPrefix(resolved, resolvedDir+string(os.PathSeparator)) {
			return fmt.Errorf("command %q file %s is not under extension directory %s", cmd.Name, resolved, resolvedDir)
		}
		if cmd.Mode != ModeWorker {
			continue
		}
		fi, err := os.Stat(resolved)
		if err != nil {
			return fmt.Errorf("command %q file not found: %w", cmd.Name, err)
		}
		if fi.Mode()&0111 == 0 {
			return fmt.Errorf("command %q file is not executable: %s", cmd.Name, resolved)
		}
	}
	return nil
}

// FilePath returns the absolute path of cmd's file inside the extension.
func (e *Extension) FilePath(cmd Command) string {
	if cmd.File == "" {
		return ""
	}
	return filepath.Join(e.Path, cmd.File)
}

// ViewActionPath returns the absolute path of cmd's view action, or "".
func (e *Extension) ViewActionPath(cmd Command) string {
	if cmd.ViewAction == "" {
		return ""
	}
	return filepath.Join(e.Path, cmd.ViewAction)
}
