package runner

import (
	"context"
	"encoding/json"

	"github.com/mattjoyce/conduit/internal/channel"
	"github.com/mattjoyce/conduit/internal/events"
)

// ViewRequest asks a UI surface to show an extension view.
type ViewRequest struct {
	RunID     string          `json:"run_id"`
	Extension string          `json:"extension"`
	Command   string          `json:"command"`
	View      string          `json:"view"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// UISurface is whatever presents extension UI to the user.
type UISurface interface {
	Open(ctx context.Context, req ViewRequest) error
	Toggle(ctx context.Context, req ViewRequest) error
	// Attach consumes ui until it closes, presenting its messages for runID.
	Attach(runID string, ui channel.Channel)
}

// EventSurface presents UI through the event hub, where the API stream and
// the monitor pick it up.
type EventSurface struct {
	Hub *events.Hub
}

var _ UISurface = EventSurface{}

func (s EventSurface) Open(_ context.Context, req ViewRequest) error {
	s.Hub.PublishRun(req.RunID, events.TypeViewOpen, req)
	return nil
}

func (s EventSurface) Toggle(_ context.Context, req ViewRequest) error {
	s.Hub.PublishRun(req.RunID, events.TypeViewToggle, req)
	return nil
}

func (s EventSurface) Attach(runID string, ui channel.Channel) {
	go func() {
		for msg := range ui.Messages() {
			s.Hub.PublishRun(runID, events.TypeViewMessage, msg)
		}
	}()
}
