package mcp

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func collectMessages(t *testing.T, tr *StdioTransport) <-chan *Message {
	t.Helper()
	ch := make(chan *Message, 16)
	tr.SetMessageHandler(func(msg *Message) { ch <- msg })
	tr.SetErrorHandler(func(error) {})
	return ch
}

func TestTransportSendReceive(t *testing.T) {
	a, b := PipeTransports()
	got := collectMessages(t, b)
	a.SetMessageHandler(func(*Message) {})
	a.SetErrorHandler(func(error) {})
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	defer func() {
		require.NoError(t, a.Stop())
		require.NoError(t, b.Stop())
	}()

	req, err := NewRequest(IntID(1), "ping", nil)
	require.NoError(t, err)
	require.NoError(t, a.Send(req))

	select {
	case msg := <-got:
		require.Equal(t, "ping", msg.Method)
		require.Equal(t, IntID(1), *msg.ID)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestTransportRecoversFromMalformedLine(t *testing.T) {
	ar, bw := io.Pipe()
	tr := NewStdioTransport(ar, io.Discard, LineFraming{})
	msgs := make(chan *Message, 1)
	errs := make(chan error, 1)
	tr.SetMessageHandler(func(msg *Message) { msgs <- msg })
	tr.SetErrorHandler(func(err error) { errs <- err })
	require.NoError(t, tr.Start())
	defer func() { require.NoError(t, tr.Stop()) }()

	go func() {
		_, _ = bw.Write([]byte("not json\n"))
		_, _ = bw.Write([]byte(`{"jsonrpc":"2.0","method":"ping"}` + "\n"))
	}()

	select {
	case err := <-errs:
		require.ErrorContains(t, err, "parse message")
	case <-time.After(time.Second):
		t.Fatal("parse error not reported")
	}
	select {
	case msg := <-msgs:
		require.Equal(t, "ping", msg.Method)
	case <-time.After(time.Second):
		t.Fatal("valid message after bad line not delivered")
	}
}

func TestTransportPeerLossReportedOnce(t *testing.T) {
	a, b := PipeTransports()
	collectMessages(t, a)
	errs := make(chan error, 4)
	a.SetErrorHandler(func(err error) { errs <- err })
	collectMessages(t, b)
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	require.NoError(t, b.Stop())

	select {
	case <-errs:
	case <-time.After(time.Second):
		t.Fatal("peer loss not reported")
	}
	require.Eventually(t, func() bool { return !a.IsActive() }, time.Second, 10*time.Millisecond)

	req, err := NewRequest(IntID(1), "ping", nil)
	require.NoError(t, err)
	require.ErrorIs(t, a.Send(req), ErrTransportClosed)
	require.NoError(t, a.Stop())
}

func TestTransportStopIdempotent(t *testing.T) {
	a, b := PipeTransports()
	collectMessages(t, a)
	collectMessages(t, b)
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())
	require.False(t, a.IsActive())
	require.NoError(t, b.Stop())
}

func TestTransportStartAfterStop(t *testing.T) {
	a, _ := PipeTransports()
	collectMessages(t, a)
	require.NoError(t, a.Stop())
	require.ErrorIs(t, a.Start(), ErrTransportClosed)
}
