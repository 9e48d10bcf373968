package mcp

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLineFramingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := LineFraming{}
	require.NoError(t, f.WriteFrame(&buf, []byte(`{"a":1}`)))
	require.NoError(t, f.WriteFrame(&buf, []byte(`{"b":2}`)))

	dec := f.NewDecoder(&buf)
	first, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(first))
	second, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, `{"b":2}`, string(second))
	_, err = dec.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestLineFramingSkipsEmptyAndCRLF(t *testing.T) {
	dec := LineFraming{}.NewDecoder(strings.NewReader("\r\n\n{\"a\":1}\r\n"))
	payload, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(payload))
}

func TestLineFramingPartialLineNotDelivered(t *testing.T) {
	dec := LineFraming{}.NewDecoder(strings.NewReader(`{"a":1}`))
	_, err := dec.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestContentLengthRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := ContentLengthFraming{}
	require.NoError(t, f.WriteFrame(&buf, []byte(`{"a":1}`)))
	require.Equal(t, "Content-Length: 7\r\n\r\n{\"a\":1}", buf.String())

	dec := f.NewDecoder(&buf)
	payload, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(payload))
}

func TestContentLengthSpansChunks(t *testing.T) {
	// The header and the payload arrive in separate writes; the decoder
	// must buffer until all N bytes are in.
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte("Content-Length: 7\r\n\r\n{\"a\""))
		_, _ = pw.Write([]byte(":1}"))
		_ = pw.Close()
	}()
	dec := ContentLengthFraming{}.NewDecoder(pr)
	payload, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(payload))
}

func TestContentLengthInvalidHeaderIsRecoverable(t *testing.T) {
	input := "Content-Length: nope\r\n" + "Content-Length: 7\r\n\r\n{\"a\":1}"
	dec := ContentLengthFraming{}.NewDecoder(strings.NewReader(input))
	_, err := dec.Next()
	var fe *FrameError
	require.ErrorAs(t, err, &fe)

	payload, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(payload))
}

func TestContentLengthTruncatedPayload(t *testing.T) {
	dec := ContentLengthFraming{}.NewDecoder(strings.NewReader("Content-Length: 10\r\n\r\n{\"a\""))
	_, err := dec.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestFramingFor(t *testing.T) {
	require.Equal(t, "content-length", FramingFor("content-length").Name())
	require.Equal(t, "line", FramingFor("line").Name())
	require.Equal(t, "line", FramingFor("bogus").Name())
}
