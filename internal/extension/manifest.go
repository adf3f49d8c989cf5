package extension

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/conduit/internal/auth"
)

// Mode selects how a command is executed.
type Mode string

const (
	// ModeWorker runs the command file as an isolated worker speaking the
	// control protocol.
	ModeWorker Mode = "worker"
	// ModeScript runs the command file with an external interpreter chosen by
	// file extension.
	ModeScript Mode = "script"
	// ModeView opens a UI surface, optionally backed by a view-action worker.
	ModeView Mode = "view"
)

func (m Mode) valid() bool {
	return m == ModeWorker || m == ModeScript || m == ModeView
}

// Command declares one runnable entry point of an extension.
type Command struct {
	Name        string `yaml:"name"`
	Mode        Mode   `yaml:"mode"`
	File        string `yaml:"file,omitempty"`
	View        string `yaml:"view,omitempty"`
	ViewAction  string `yaml:"view_action,omitempty"`
	Toggle      bool   `yaml:"toggle,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// Commands is a list of declared commands.
//
// Accepted formats:
//   - shorthand string array: commands: [copy-upper]  (worker mode, file = name)
//   - object array: commands: [{name: report, mode: script, file: report.py}]
type Commands []Command

func (c *Commands) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*c = nil
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("commands must be a sequence")
	}

	out := make([]Command, 0, len(n.Content))
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			name := strings.TrimSpace(item.Value)
			out = append(out, Command{Name: name, Mode: ModeWorker, File: name})
		case yaml.MappingNode:
			var tmp Command
			if err := item.Decode(&tmp); err != nil {
				return fmt.Errorf("invalid command object: %w", err)
			}
			tmp.Name = strings.TrimSpace(tmp.Name)
			if tmp.Mode == "" {
				tmp.Mode = ModeWorker
			}
			out = append(out, tmp)
		default:
			return fmt.Errorf("invalid command entry (must be string or object)")
		}
	}

	*c = out
	return nil
}

// Manifest is the content of an extension's manifest.yaml.
type Manifest struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description,omitempty"`
	Permissions []string `yaml:"permissions,omitempty"`
	Commands    Commands `yaml:"commands"`
}

// Extension is a discovered and validated extension.
type Extension struct {
	Name        string
	Path        string // Absolute path to the extension directory
	Version     string
	Description string
	Permissions auth.Permissions
	Commands    Commands
}

// Command returns the command called name.
func (e *Extension) Command(name string) (Command, bool) {
	for _, c := range e.Commands {
		if c.Name == name {
			return c, true
		}
	}
	return Command{}, false
}

// CommandNames returns declared command names in manifest order.
func (e *Extension) CommandNames() []string {
	out := make([]string, 0, len(e.Commands))
	for _, c := range e.Commands {
		out = append(out, c.Name)
	}
	return out
}
