package channel

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func recv(t *testing.T, ch Channel) json.RawMessage {
	t.Helper()
	select {
	case msg, ok := <-ch.Messages():
		require.True(t, ok, "channel closed before message arrived")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestPipePreservesOrder(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	for i := range 100 {
		require.NoError(t, a.Send(json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))))
	}
	for i := range 100 {
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(recv(t, b)))
	}
}

func TestPipeIsDuplex(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	require.NoError(t, a.Send(json.RawMessage(`"to-b"`)))
	require.NoError(t, b.Send(json.RawMessage(`"to-a"`)))
	assert.Equal(t, `"to-b"`, string(recv(t, b)))
	assert.Equal(t, `"to-a"`, string(recv(t, a)))
}

func TestPipeCloseDrainsThenCloses(t *testing.T) {
	a, b := Pipe()

	require.NoError(t, a.Send(json.RawMessage(`1`)))
	require.NoError(t, a.Send(json.RawMessage(`2`)))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "close must be idempotent")

	select {
	case <-b.Done():
	default:
		t.Fatal("closing one end must tear down the peer")
	}

	assert.Equal(t, `1`, string(recv(t, b)))
	assert.Equal(t, `2`, string(recv(t, b)))

	select {
	case _, ok := <-b.Messages():
		assert.False(t, ok, "messages must close after drain")
	case <-time.After(2 * time.Second):
		t.Fatal("messages not closed after teardown")
	}

	assert.ErrorIs(t, b.Send(json.RawMessage(`3`)), ErrClosed)
	assert.ErrorIs(t, a.Send(json.RawMessage(`3`)), ErrClosed)
}

func newStreamPair(t *testing.T) (Channel, Channel) {
	t.Helper()
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	a := NewStream("a", ar, aw)
	b := NewStream("b", br, bw)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestStreamRoundTrip(t *testing.T) {
	a, b := newStreamPair(t)

	require.NoError(t, a.Send(json.RawMessage("{\n  \"pretty\": true\n}")))
	require.NoError(t, a.Send(json.RawMessage(`{"n":2}`)))

	assert.JSONEq(t, `{"pretty":true}`, string(recv(t, b)))
	assert.JSONEq(t, `{"n":2}`, string(recv(t, b)))

	require.NoError(t, b.Send(json.RawMessage(`"back"`)))
	assert.Equal(t, `"back"`, string(recv(t, a)))
}

func TestStreamDropsMalformedLines(t *testing.T) {
	r, w := io.Pipe()
	_, sink := io.Pipe()
	ch := NewStream("malformed", r, sink)
	defer ch.Close()

	go func() {
		_, _ = w.Write([]byte("not json\n\n{\"ok\":true}\n"))
		_ = w.Close()
	}()

	assert.JSONEq(t, `{"ok":true}`, string(recv(t, ch)))

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream should tear down on EOF")
	}
}

func TestStreamSendAfterClose(t *testing.T) {
	a, _ := newStreamPair(t)
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Send(json.RawMessage(`1`)), ErrClosed)
}
