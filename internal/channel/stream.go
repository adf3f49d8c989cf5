package channel

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mattjoyce/conduit/internal/log"
)

// MaxMessageBytes caps a single newline-delimited message. Longer lines are
// discarded.
const MaxMessageBytes = 16 << 20

const streamBuffer = 64

type stream struct {
	r io.ReadCloser
	w io.WriteCloser

	wmu    sync.Mutex
	out    chan json.RawMessage
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

var _ Channel = (*stream)(nil)

// NewStream wraps a reader/writer pair as a Channel speaking newline-delimited
// JSON. The channel tears itself down when the reader reaches EOF.
func NewStream(name string, r io.ReadCloser, w io.WriteCloser) Channel {
	s := &stream{
		r:      r,
		w:      w,
		out:    make(chan json.RawMessage, streamBuffer),
		done:   make(chan struct{}),
		logger: log.WithComponent("channel").With("channel", name),
	}
	go s.readLoop()
	return s
}

func (s *stream) readLoop() {
	defer close(s.out)
	defer s.Close()

	reader := bufio.NewReaderSize(s.r, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			s.deliver(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				select {
				case <-s.done:
				default:
					s.logger.Debug("stream read ended", "error", err)
				}
			}
			return
		}
	}
}

func (s *stream) deliver(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	if len(line) > MaxMessageBytes {
		s.logger.Warn("dropping oversized message", "bytes", len(line))
		return
	}
	if !json.Valid(line) {
		s.logger.Warn("dropping malformed message", "bytes", len(line))
		return
	}

	msg := make(json.RawMessage, len(line))
	copy(msg, line)
	select {
	case s.out <- msg:
	case <-s.done:
	}
}

func (s *stream) Send(msg json.RawMessage) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	if bytes.IndexByte(msg, '\n') >= 0 {
		var compact bytes.Buffer
		if err := json.Compact(&compact, msg); err != nil {
			return fmt.Errorf("compact message: %w", err)
		}
		msg = compact.Bytes()
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	buf := make([]byte, 0, len(msg)+1)
	buf = append(buf, msg...)
	buf = append(buf, '\n')
	if _, err := s.w.Write(buf); err != nil {
		select {
		case <-s.done:
			return ErrClosed
		default:
		}
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (s *stream) Messages() <-chan json.RawMessage {
	return s.out
}

func (s *stream) Done() <-chan struct{} {
	return s.done
}

func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		werr := s.w.Close()
		rerr := s.r.Close()
		err = errors.Join(werr, rerr)
	})
	return err
}
