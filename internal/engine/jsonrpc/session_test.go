package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/bitk/bitk/internal/common/errors"
	"github.com/bitk/bitk/internal/common/logger"
)

// enginePipe plays the subprocess side of a session over in-memory pipes.
type enginePipe struct {
	in  *bufio.Scanner
	out *io.PipeWriter
}

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

func (e *enginePipe) next(t *testing.T) wireMessage {
	t.Helper()
	require.True(t, e.in.Scan(), "expected another line from session: %v", e.in.Err())
	var msg wireMessage
	require.NoError(t, json.Unmarshal(e.in.Bytes(), &msg))
	return msg
}

func (e *enginePipe) send(t *testing.T, line string) {
	t.Helper()
	_, err := e.out.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func startSession(t *testing.T) (*Session, *enginePipe) {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	s := NewSession(stdinW, stdoutR, newTestLogger(t))
	eng := &enginePipe{in: bufio.NewScanner(stdinR), out: stdoutW}
	eng.in.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	t.Cleanup(func() {
		s.Close()
		stdinW.Close()
		stdoutW.Close()
	})
	return s, eng
}

// handshake drives Initialize from a goroutine while serving the engine side
// inline, so assertions stay on the test goroutine.
func handshake(t *testing.T, s *Session, eng *enginePipe) {
	t.Helper()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Initialize(context.Background(), InitializeParams{
			ProtocolVersion: 1,
			ClientInfo:      ClientInfo{Name: "bitk", Version: "test"},
		})
		errCh <- err
	}()

	init := eng.next(t)
	require.Equal(t, MethodInitialize, init.Method)
	require.Equal(t, "2.0", init.JSONRPC)
	eng.send(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":1}}`, init.ID))

	note := eng.next(t)
	require.Equal(t, MethodInitialized, note.Method)
	require.Empty(t, note.ID, "initialized must be a notification")

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
}

func TestInitializeHandshake(t *testing.T) {
	s, eng := startSession(t)
	s.Start(context.Background())

	handshake(t, s, eng)
}

func TestCallBeforeHandshakeRejected(t *testing.T) {
	s, _ := startSession(t)
	s.Start(context.Background())

	_, err := s.Call(context.Background(), MethodSessionNew, nil)
	require.ErrorIs(t, err, ErrNotInitialized)

	err = s.Notify(MethodSessionCancel, nil)
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestCallCorrelatesResponsesByID(t *testing.T) {
	s, eng := startSession(t)
	s.Start(context.Background())
	handshake(t, s, eng)

	type outcome struct {
		method string
		resp   *Response
		err    error
	}
	results := make(chan outcome, 2)
	call := func(method string) {
		resp, err := s.Call(context.Background(), method, nil)
		results <- outcome{method: method, resp: resp, err: err}
	}
	go call("alpha")
	go call("beta")

	first := eng.next(t)
	second := eng.next(t)
	byMethod := map[string]json.RawMessage{
		first.Method:  first.ID,
		second.Method: second.ID,
	}
	require.Contains(t, byMethod, "alpha")
	require.Contains(t, byMethod, "beta")

	// Answer in reverse arrival order to prove correlation is by id.
	eng.send(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":"B"}`, byMethod["beta"]))
	eng.send(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":"A"}`, byMethod["alpha"]))

	for i := 0; i < 2; i++ {
		select {
		case out := <-results:
			require.NoError(t, out.err)
			switch out.method {
			case "alpha":
				assert.Equal(t, `"A"`, string(out.resp.Result))
			case "beta":
				assert.Equal(t, `"B"`, string(out.resp.Result))
			}
		case <-time.After(2 * time.Second):
			t.Fatal("calls did not complete")
		}
	}
}

func TestNonJSONLinesSkipped(t *testing.T) {
	s, eng := startSession(t)
	s.Start(context.Background())
	handshake(t, s, eng)

	type outcome struct {
		resp *Response
		err  error
	}
	respCh := make(chan outcome, 1)
	go func() {
		resp, err := s.Call(context.Background(), "ping", nil)
		respCh <- outcome{resp: resp, err: err}
	}()

	req := eng.next(t)
	eng.send(t, "starting up, this is not JSON")
	eng.send(t, "[gemini] warning: something")
	eng.send(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{}}`, req.ID))

	select {
	case out := <-respCh:
		require.NoError(t, out.err)
		assert.Nil(t, out.resp.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not survive garbage lines")
	}
}

func TestCallTimeoutFiresSupervisorHook(t *testing.T) {
	s, eng := startSession(t)

	timedOut := make(chan string, 1)
	s.SetTimeoutHandler(func(method string) { timedOut <- method })
	s.Start(context.Background())
	handshake(t, s, eng)

	done := make(chan error, 1)
	go func() {
		_, err := s.CallWithTimeout(context.Background(), "slow/method", nil, 50*time.Millisecond)
		done <- err
	}()

	// Drain the request but never answer it.
	_ = eng.next(t)

	select {
	case err := <-done:
		var appErr *apperrors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, apperrors.ErrCodeEngineTimeout, appErr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not time out")
	}

	select {
	case method := <-timedOut:
		assert.Equal(t, "slow/method", method)
	case <-time.After(time.Second):
		t.Fatal("timeout handler was not invoked")
	}
}

func TestNotificationsReachHandlerAndRawTap(t *testing.T) {
	s, eng := startSession(t)

	type note struct {
		method string
		params string
	}
	notes := make(chan note, 1)
	raw := make(chan string, 1)
	s.SetNotificationHandler(func(method string, params json.RawMessage) {
		notes <- note{method: method, params: string(params)}
	})
	s.SetRawTap(func(line []byte) { raw <- string(line) })
	s.Start(context.Background())

	line := `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","text":"hi"}}`
	eng.send(t, line)

	select {
	case n := <-notes:
		assert.Equal(t, NotificationSessionUpdate, n.method)
		assert.JSONEq(t, `{"sessionId":"s1","text":"hi"}`, n.params)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not dispatched")
	}

	select {
	case got := <-raw:
		assert.Equal(t, line, got)
	case <-time.After(time.Second):
		t.Fatal("raw tap not invoked")
	}
}

func TestUnhandledRequestRejectedWithMethodNotFound(t *testing.T) {
	s, eng := startSession(t)
	s.Start(context.Background())

	eng.send(t, `{"jsonrpc":"2.0","id":"srv-1","method":"session/request_permission","params":{}}`)

	reply := eng.next(t)
	require.NotNil(t, reply.Error)
	assert.Equal(t, CodeMethodNotFound, reply.Error.Code)
	assert.Equal(t, `"srv-1"`, string(reply.ID))
}

func TestCloseFailsInFlightCalls(t *testing.T) {
	s, eng := startSession(t)
	s.Start(context.Background())
	handshake(t, s, eng)

	done := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "hang", nil)
		done <- err
	}()
	_ = eng.next(t)

	s.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not fail after close")
	}
}
