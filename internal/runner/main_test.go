package runner

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/process"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type failingLauncher struct{}

func (failingLauncher) Launch(context.Context, process.Spec) (process.Process, error) {
	return nil, errors.New("start process: no such file")
}

// recorder collects observer events.
type recorder struct {
	messages chan string
	errors   chan string
	finishes chan FinishReason
}

func newRecorder(r Runner) *recorder {
	rec := &recorder{
		messages: make(chan string, 32),
		errors:   make(chan string, 32),
		finishes: make(chan FinishReason, 4),
	}
	r.Observe(Observer{
		OnMessage: func(msg json.RawMessage) { rec.messages <- string(msg) },
		OnError:   func(m string) { rec.errors <- m },
		OnFinish:  func(reason FinishReason, _ json.RawMessage) { rec.finishes <- reason },
	})
	return rec
}
