package graph

import (
	"context"
	"encoding/json"

	"github.com/mattjoyce/conduit/internal/channel"
	"github.com/mattjoyce/conduit/internal/rpc"
	"github.com/mattjoyce/conduit/internal/worker"
)

// WorkerBody hosts an Engine for the lifetime of a workflow worker. setup,
// when non-nil, may register extra node kinds before the engine reports
// ready.
func WorkerBody(setup func(*Engine)) worker.Body {
	return func(ctx context.Context, _ json.RawMessage, host *rpc.Peer, _ channel.Channel) (any, error) {
		engine := NewEngine(host)
		if setup != nil {
			setup(engine)
		}
		return nil, engine.Serve(ctx)
	}
}
