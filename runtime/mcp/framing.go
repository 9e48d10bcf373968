package mcp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type (
	// Framing converts message payloads to and from their wire form. Two
	// framings exist: newline-delimited JSON (the default) and
	// Content-Length prefixed frames. Framing is selected per server by
	// static configuration.
	Framing interface {
		// Name returns the config identifier of the framing.
		Name() string
		// WriteFrame writes one framed payload to w. Callers serialize
		// writes; WriteFrame itself is not safe for concurrent use.
		WriteFrame(w io.Writer, payload []byte) error
		// NewDecoder returns a stateful decoder reading frames from r.
		NewDecoder(r io.Reader) FrameDecoder
	}

	// FrameDecoder yields successive frame payloads from a stream.
	FrameDecoder interface {
		// Next returns the next complete payload. Corrupt frames are
		// reported as *FrameError and leave the decoder usable; any other
		// error is terminal for the stream.
		Next() ([]byte, error)
	}

	// FrameError reports a malformed line or frame. The transport skips the
	// damaged input and keeps reading.
	FrameError struct {
		Framing string
		Reason  string
	}

	// LineFraming writes one JSON message per line, UTF-8 with a trailing
	// '\n'.
	LineFraming struct{}

	// ContentLengthFraming writes "Content-Length: N\r\n\r\n" followed by
	// exactly N payload bytes.
	ContentLengthFraming struct{}

	lineDecoder struct {
		r *bufio.Reader
	}

	contentLengthDecoder struct {
		r *bufio.Reader
	}
)

// Error implements the error interface.
func (e *FrameError) Error() string {
	return fmt.Sprintf("%s framing: %s", e.Framing, e.Reason)
}

// Name returns "line".
func (LineFraming) Name() string { return "line" }

// WriteFrame appends a newline to the payload and writes it in one call so
// interleaved writers cannot split a message.
func (LineFraming) WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}

// NewDecoder returns a line-splitting decoder.
func (LineFraming) NewDecoder(r io.Reader) FrameDecoder {
	return &lineDecoder{r: bufio.NewReader(r)}
}

// Next returns the next non-empty line without its terminator. A trailing
// partial line at EOF is never delivered.
func (d *lineDecoder) Next() ([]byte, error) {
	for {
		line, err := d.r.ReadBytes('\n')
		if err != nil {
			// Partial data before EOF is dropped: a message is only
			// complete once its terminator arrives.
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return nil, io.EOF
			}
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

// Name returns "content-length".
func (ContentLengthFraming) Name() string { return "content-length" }

// WriteFrame writes the header and payload as a single buffer.
func (ContentLengthFraming) WriteFrame(w io.Writer, payload []byte) error {
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
	buf := make([]byte, 0, len(header)+len(payload))
	buf = append(buf, header...)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// NewDecoder returns a header-parsing decoder.
func (ContentLengthFraming) NewDecoder(r io.Reader) FrameDecoder {
	return &contentLengthDecoder{r: bufio.NewReader(r)}
}

// Next reads header lines until the blank separator, then consumes exactly
// Content-Length bytes of payload. Unknown headers are ignored. An invalid
// length value or a missing header yields a *FrameError and scanning resumes
// at the next line.
func (d *contentLengthDecoder) Next() ([]byte, error) {
	length := -1
	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if length < 0 {
				// Stray blank line before any header; keep scanning.
				continue
			}
			break
		}
		if after, ok := strings.CutPrefix(strings.ToLower(line), "content-length:"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(after))
			if err != nil || n < 0 {
				return nil, &FrameError{Framing: "content-length", Reason: fmt.Sprintf("invalid length %q", strings.TrimSpace(after))}
			}
			length = n
		}
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return buf, nil
}

// FramingFor maps a config framing name to its implementation. Unknown names
// fall back to line framing.
func FramingFor(name string) Framing {
	if name == "content-length" {
		return ContentLengthFraming{}
	}
	return LineFraming{}
}
