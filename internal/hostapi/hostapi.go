// Package hostapi serves the privileged operations children may call back
// into the host: clipboard, filesystem, per-extension storage and nested
// workflow execution. Every handler sits behind the peer's permission gate.
package hostapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/atotto/clipboard"

	"github.com/mattjoyce/conduit/internal/auth"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/rpc"
	"github.com/mattjoyce/conduit/internal/state"
)

const (
	ClipboardRead   = "clipboard.read"
	ClipboardWrite  = "clipboard.write"
	FSReadFile      = "fs.readFile"
	FSWriteFile     = "fs.writeFile"
	FSStat          = "fs.stat"
	StorageGet      = "storage.get"
	StorageSet      = "storage.set"
	WorkflowExecute = "workflow.execute"
)

// Names lists every handler Register installs, for rpc.Peer.CheckNames.
var Names = []string{
	ClipboardRead, ClipboardWrite,
	FSReadFile, FSWriteFile, FSStat,
	StorageGet, StorageSet,
	WorkflowExecute,
}

// Clipboard is the system clipboard.
type Clipboard interface {
	ReadAll() (string, error)
	WriteAll(text string) error
}

type systemClipboard struct{}

func (systemClipboard) ReadAll() (string, error)   { return clipboard.ReadAll() }
func (systemClipboard) WriteAll(text string) error { return clipboard.WriteAll(text) }

// SystemClipboard is backed by the OS clipboard.
var SystemClipboard Clipboard = systemClipboard{}

// WorkflowExecutor starts a stored workflow and returns its run id.
type WorkflowExecutor interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, input json.RawMessage) (string, error)
}

// Registry wires the host handlers into a peer. Nil collaborators leave
// their handlers reporting an unavailable error.
type Registry struct {
	Clipboard Clipboard
	State     *state.Store
	Workflows WorkflowExecutor
	// FSRoots restricts fs.* to these directories when non-empty.
	FSRoots []string
}

// Register installs every host handler on peer on behalf of extension.
func (r *Registry) Register(peer *rpc.Peer, extension string) {
	h := &handlers{reg: r, extension: extension, logger: log.WithExtension(extension)}

	peer.HandlePrivileged(ClipboardRead, auth.CapClipboard, h.clipboardRead)
	peer.HandlePrivileged(ClipboardWrite, auth.CapClipboard, h.clipboardWrite)
	peer.HandlePrivileged(FSReadFile, auth.CapFS, h.readFile)
	peer.HandlePrivileged(FSWriteFile, auth.CapFS, h.writeFile)
	peer.HandlePrivileged(FSStat, auth.CapFS, h.stat)
	peer.HandlePrivileged(StorageGet, auth.CapStorage, h.storageGet)
	peer.HandlePrivileged(StorageSet, auth.CapStorage, h.storageSet)
	peer.HandlePrivileged(WorkflowExecute, auth.CapWorkflow, h.workflowExecute)
}

type handlers struct {
	reg       *Registry
	extension string
	logger    *slog.Logger
}

func decodeArgs(name string, raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%s: missing arguments", name)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: invalid arguments: %w", name, err)
	}
	return nil
}

func (h *handlers) clipboardRead(context.Context, json.RawMessage) (any, error) {
	cb := h.reg.Clipboard
	if cb == nil {
		cb = SystemClipboard
	}
	text, err := cb.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read clipboard: %w", err)
	}
	return text, nil
}

func (h *handlers) clipboardWrite(_ context.Context, raw json.RawMessage) (any, error) {
	var text string
	if err := decodeArgs(ClipboardWrite, raw, &text); err != nil {
		return nil, err
	}
	cb := h.reg.Clipboard
	if cb == nil {
		cb = SystemClipboard
	}
	if err := cb.WriteAll(text); err != nil {
		return nil, fmt.Errorf("write clipboard: %w", err)
	}
	h.logger.Debug("clipboard written", "bytes", len(text))
	return nil, nil
}

type storageArgs struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (h *handlers) storageGet(ctx context.Context, raw json.RawMessage) (any, error) {
	if h.reg.State == nil {
		return nil, fmt.Errorf("%s: storage unavailable", StorageGet)
	}
	var args storageArgs
	if err := decodeArgs(StorageGet, raw, &args); err != nil {
		return nil, err
	}
	if args.Key == "" {
		return h.reg.State.Get(ctx, h.extension)
	}
	value, ok, err := h.reg.State.GetKey(ctx, h.extension, args.Key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return value, nil
}

func (h *handlers) storageSet(ctx context.Context, raw json.RawMessage) (any, error) {
	if h.reg.State == nil {
		return nil, fmt.Errorf("%s: storage unavailable", StorageSet)
	}
	var args storageArgs
	if err := decodeArgs(StorageSet, raw, &args); err != nil {
		return nil, err
	}
	if err := h.reg.State.Set(ctx, h.extension, args.Key, args.Value); err != nil {
		return nil, err
	}
	return nil, nil
}

type executeArgs struct {
	WorkflowID string          `json:"workflowId"`
	Input      json.RawMessage `json:"input,omitempty"`
}

func (h *handlers) workflowExecute(ctx context.Context, raw json.RawMessage) (any, error) {
	if h.reg.Workflows == nil {
		return nil, fmt.Errorf("%s: workflows unavailable", WorkflowExecute)
	}
	var args executeArgs
	if err := decodeArgs(WorkflowExecute, raw, &args); err != nil {
		return nil, err
	}
	if args.WorkflowID == "" {
		return nil, fmt.Errorf("%s: workflowId is required", WorkflowExecute)
	}
	runID, err := h.reg.Workflows.ExecuteWorkflow(ctx, args.WorkflowID, args.Input)
	if err != nil {
		return nil, err
	}
	h.logger.Info("workflow started by extension", "workflow_id", args.WorkflowID, "run_id", runID)
	if runID == "" {
		return nil, nil
	}
	return map[string]string{"runId": runID}, nil
}
