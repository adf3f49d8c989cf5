package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mattjoyce/conduit/internal/extension"
	"github.com/mattjoyce/conduit/internal/process"
	"github.com/mattjoyce/conduit/internal/rpc"
)

// HostAPI registers the privileged host handlers an extension may call.
type HostAPI interface {
	Register(peer *rpc.Peer, extension string)
}

// Factory builds the runner variant an extension command asks for.
type Factory struct {
	Launcher process.Launcher
	Resolver *Resolver
	HostAPI  HostAPI
	Surface  UISurface

	EnvAllowlist  []string
	KillGrace     time.Duration
	RPCTimeout    time.Duration
	ScriptTimeout time.Duration
}

// New returns a runner for command of ext with payload.
func (f *Factory) New(ext *extension.Extension, command string, payload json.RawMessage) (Runner, error) {
	cmd, ok := ext.Command(command)
	if !ok {
		return nil, fmt.Errorf("extension %q has no command %q", ext.Name, command)
	}

	switch cmd.Mode {
	case extension.ModeWorker:
		return NewWorker(f.workerConfig(ext, cmd, payload)), nil
	case extension.ModeScript:
		return NewInterpreter(InterpreterConfig{
			File:        ext.FilePath(cmd),
			Dir:         ext.Path,
			Env:         []string{"CONDUIT_PAYLOAD=" + string(payload)},
			Allowenv:    f.EnvAllowlist,
			Resolver:    f.Resolver,
			KillTimeout: f.ScriptTimeout,
			KillGrace:   f.KillGrace,
		}), nil
	case extension.ModeView:
		return NewView(ViewConfig{
			Request: ViewRequest{
				Extension: ext.Name,
				Command:   cmd.Name,
				View:      cmd.View,
				Payload:   payload,
			},
			Toggle:     cmd.Toggle,
			Surface:    f.Surface,
			ActionFile: ext.ViewActionPath(cmd),
			Action:     f.workerConfig(ext, cmd, payload),
		}), nil
	}
	return nil, fmt.Errorf("unsupported mode %q", cmd.Mode)
}

func (f *Factory) workerConfig(ext *extension.Extension, cmd extension.Command, payload json.RawMessage) WorkerConfig {
	cfg := WorkerConfig{
		Launcher: f.Launcher,
		Spec: process.Spec{
			Name: ext.Name + "." + cmd.Name,
			Path: ext.FilePath(cmd),
			Dir:  ext.Path,
			Env:  SanitizeEnv(os.Environ(), f.EnvAllowlist, []string{"CONDUIT_EXTENSION=" + ext.Name}),
		},
		Payload:    payload,
		Gate:       ext.Permissions,
		Surface:    f.Surface,
		KillGrace:  f.KillGrace,
		RPCTimeout: f.RPCTimeout,
	}
	if f.HostAPI != nil {
		name := ext.Name
		cfg.HostAPI = func(peer *rpc.Peer) { f.HostAPI.Register(peer, name) }
	}
	return cfg
}
