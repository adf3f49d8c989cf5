package auth

import (
	"fmt"
	"slices"
	"strings"
)

// Capabilities an extension can declare. Each gates a family of privileged
// host operations.
const (
	CapClipboard = "clipboard"
	CapFS        = "fs"
	CapStorage   = "storage"
	CapWorkflow  = "workflow"
)

var knownCapabilities = []string{CapClipboard, CapFS, CapStorage, CapWorkflow}

// Permissions is the capability set granted to one extension. The zero value
// grants nothing.
type Permissions struct {
	granted map[string]struct{}
}

// NewPermissions validates and normalizes declared capability names.
func NewPermissions(declared []string) (Permissions, error) {
	granted := make(map[string]struct{}, len(declared))
	for _, c := range declared {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if !slices.Contains(knownCapabilities, c) {
			return Permissions{}, fmt.Errorf("unknown capability %q", c)
		}
		granted[c] = struct{}{}
	}
	return Permissions{granted: granted}, nil
}

// Allow reports whether capability was granted.
func (p Permissions) Allow(capability string) bool {
	_, ok := p.granted[capability]
	return ok
}

// List returns the granted capabilities, sorted.
func (p Permissions) List() []string {
	out := make([]string, 0, len(p.granted))
	for c := range p.granted {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// KnownCapabilities returns every capability name the host understands.
func KnownCapabilities() []string {
	return slices.Clone(knownCapabilities)
}
