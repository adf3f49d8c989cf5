// Package channel provides duplex, message-oriented transports between the
// host and its child processes.
//
// A Channel carries discrete JSON messages in send order. Two transports are
// provided:
//   - Pipe: an in-memory endpoint pair, used for in-process workers and tests
//   - Stream: newline-delimited JSON over a reader/writer pair, used for OS
//     pipes (stdin/stdout and inherited file descriptors)
//
// Messages already sent when an endpoint is closed are still delivered to the
// reader before Messages() is closed, mirroring OS pipe semantics. Readers are
// expected to drain Messages() until it is closed.
package channel

import (
	"encoding/json"
	"errors"
)

// ErrClosed is returned by Send once the channel has been torn down.
var ErrClosed = errors.New("channel closed")

// Channel is one endpoint of a duplex message transport.
type Channel interface {
	// Send delivers msg to the peer endpoint. It never blocks on the reader.
	Send(msg json.RawMessage) error

	// Messages yields inbound messages in send order. It is closed after
	// teardown once buffered messages have been delivered.
	Messages() <-chan json.RawMessage

	// Done is closed as soon as either side tears the channel down.
	Done() <-chan struct{}

	// Close tears the channel down. It is idempotent.
	Close() error
}
