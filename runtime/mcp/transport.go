package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrTransportClosed is returned by Send after the transport has stopped.
var ErrTransportClosed = errors.New("transport closed")

type (
	// MessageHandler receives every message deframed from the peer.
	MessageHandler func(msg *Message)

	// ErrorHandler receives transport errors. Recoverable errors (malformed
	// lines or frames, invalid JSON) are reported and reading continues;
	// terminal errors (EOF, closed pipes) are reported once, after which
	// IsActive returns false.
	ErrorHandler func(err error)

	// Transport frames and deframes JSON-RPC messages over a bidirectional
	// byte stream.
	Transport interface {
		// Start begins the read loop. It returns an error if the transport
		// already started or was stopped.
		Start() error
		// Stop terminates the read loop and releases the underlying reader
		// and writer. Idempotent.
		Stop() error
		// Send writes one message. Sends are serialized internally.
		Send(msg *Message) error
		// SetMessageHandler installs the inbound message callback. Must be
		// called before Start.
		SetMessageHandler(h MessageHandler)
		// SetErrorHandler installs the error callback. Must be called before
		// Start.
		SetErrorHandler(h ErrorHandler)
		// IsActive reports whether the transport can currently send and
		// receive.
		IsActive() bool
	}

	// StdioTransport frames messages over a child process's stdin (outbound)
	// and stdout (inbound).
	StdioTransport struct {
		r       io.Reader
		w       io.Writer
		framing Framing

		writeMu sync.Mutex

		mu       sync.Mutex
		onMsg    MessageHandler
		onErr    ErrorHandler
		started  bool
		stopped  bool
		active   bool
		stopCh   chan struct{}
		doneCh   chan struct{}
	}
)

// NewStdioTransport builds a transport reading inbound messages from r and
// writing outbound messages to w using the given framing. If r or w
// implement io.Closer they are closed on Stop.
func NewStdioTransport(r io.Reader, w io.Writer, framing Framing) *StdioTransport {
	if framing == nil {
		framing = LineFraming{}
	}
	return &StdioTransport{
		r:       r,
		w:       w,
		framing: framing,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// PipeTransports returns two line-framed transports joined by in-memory
// pipes: messages sent on one arrive on the other. Stopping either side
// closes the pipes, which the peer observes as transport loss. Intended for
// in-process servers in tests.
func PipeTransports() (*StdioTransport, *StdioTransport) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return NewStdioTransport(ar, aw, LineFraming{}), NewStdioTransport(br, bw, LineFraming{})
}

// SetMessageHandler installs the inbound message callback.
func (t *StdioTransport) SetMessageHandler(h MessageHandler) {
	t.mu.Lock()
	t.onMsg = h
	t.mu.Unlock()
}

// SetErrorHandler installs the error callback.
func (t *StdioTransport) SetErrorHandler(h ErrorHandler) {
	t.mu.Lock()
	t.onErr = h
	t.mu.Unlock()
}

// Start launches the read loop.
func (t *StdioTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return ErrTransportClosed
	}
	if t.started {
		return errors.New("transport already started")
	}
	t.started = true
	t.active = true
	go t.readLoop()
	return nil
}

// Stop terminates the read loop and closes the underlying streams when they
// are closable. Idempotent.
func (t *StdioTransport) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.active = false
	started := t.started
	close(t.stopCh)
	t.mu.Unlock()

	// Closing the reader unblocks the read loop.
	if c, ok := t.r.(io.Closer); ok {
		_ = c.Close()
	}
	if c, ok := t.w.(io.Closer); ok {
		_ = c.Close()
	}
	if started {
		<-t.doneCh
	}
	return nil
}

// IsActive reports whether the transport can send and receive.
func (t *StdioTransport) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Send serializes msg and writes one frame. Write failures propagate to the
// caller; they do not stop the read loop.
func (t *StdioTransport) Send(msg *Message) error {
	if !t.IsActive() {
		return ErrTransportClosed
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.framing.WriteFrame(t.w, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (t *StdioTransport) readLoop() {
	defer close(t.doneCh)
	dec := t.framing.NewDecoder(t.r)
	for {
		payload, err := dec.Next()
		if err != nil {
			var fe *FrameError
			if errors.As(err, &fe) {
				t.reportError(err)
				continue
			}
			// Terminal: EOF or closed stream. Quiet when stopping.
			t.mu.Lock()
			stopped := t.stopped
			t.active = false
			t.mu.Unlock()
			if !stopped {
				t.reportError(fmt.Errorf("transport read: %w", err))
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.reportError(fmt.Errorf("parse message: %w", err))
			continue
		}
		t.mu.Lock()
		h := t.onMsg
		t.mu.Unlock()
		if h != nil {
			h(&msg)
		}
	}
}

func (t *StdioTransport) reportError(err error) {
	t.mu.Lock()
	h := t.onErr
	t.mu.Unlock()
	if h != nil {
		h(err)
	}
}
