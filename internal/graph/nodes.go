package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattjoyce/conduit/internal/rpc"
	"github.com/mattjoyce/conduit/internal/workflow"
)

// Node kinds understood by every Engine.
const (
	KindTrigger  = "trigger"
	KindDelay    = "delay"
	KindHostCall = "host-call"
)

// MaxDelay bounds a delay node.
const MaxDelay = 10 * time.Minute

// NodeCall is what a node implementation receives.
type NodeCall struct {
	RunID string
	Node  workflow.Node
	Input json.RawMessage
	Host  *rpc.Peer
}

// NodeFunc executes one node and returns its output.
type NodeFunc func(ctx context.Context, call NodeCall) (json.RawMessage, error)

func builtinNodes() map[string]NodeFunc {
	return map[string]NodeFunc{
		KindTrigger:  triggerNode,
		KindDelay:    delayNode,
		KindHostCall: hostCallNode,
	}
}

func triggerNode(_ context.Context, call NodeCall) (json.RawMessage, error) {
	return call.Input, nil
}

type delayData struct {
	MS int64 `json:"ms"`
}

func delayNode(ctx context.Context, call NodeCall) (json.RawMessage, error) {
	var data delayData
	if len(call.Node.Data) > 0 {
		if err := json.Unmarshal(call.Node.Data, &data); err != nil {
			return nil, fmt.Errorf("invalid delay data: %w", err)
		}
	}
	d := time.Duration(data.MS) * time.Millisecond
	if d < 0 || d > MaxDelay {
		return nil, fmt.Errorf("delay %s out of range", d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return call.Input, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type hostCallData struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// hostCallNode calls a privileged host operation. Without explicit args the
// node input is passed through.
func hostCallNode(ctx context.Context, call NodeCall) (json.RawMessage, error) {
	var data hostCallData
	if err := json.Unmarshal(call.Node.Data, &data); err != nil {
		return nil, fmt.Errorf("invalid host-call data: %w", err)
	}
	if data.Name == "" {
		return nil, fmt.Errorf("host-call node has no name")
	}
	if call.Host == nil {
		return nil, fmt.Errorf("no host connection")
	}
	args := data.Args
	if len(args) == 0 {
		args = call.Input
	}
	return call.Host.Call(ctx, data.Name, args)
}
