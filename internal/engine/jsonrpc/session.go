package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/bitk/bitk/internal/common/errors"
	"github.com/bitk/bitk/internal/common/logger"
)

const (
	// DefaultCallTimeout bounds a single call unless the caller overrides it.
	DefaultCallTimeout = 15 * time.Second

	// KillDelay is how long the supervisor waits after a timed out call
	// before killing the subprocess.
	KillDelay = 5 * time.Second
)

// ErrSessionClosed is returned by calls issued after Close.
var ErrSessionClosed = errors.New("jsonrpc: session closed")

// ErrNotInitialized is returned when a method is called before the
// initialize handshake has completed.
var ErrNotInitialized = errors.New("jsonrpc: handshake not completed")

// NotificationHandler receives inbound notifications.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler receives engine originated requests. The handler must
// eventually answer via Respond with the same id.
type RequestHandler func(id json.RawMessage, method string, params json.RawMessage)

// TimeoutHandler is invoked when a call exceeds its timeout, so a supervisor
// can schedule the subprocess kill.
type TimeoutHandler func(method string)

// Session speaks JSON-lines RPC over an engine's stdin/stdout. It owns the
// single reader over stdout; ids are session-assigned integers and responses
// are correlated by id. Lines that do not parse as JSON are logged and
// skipped.
type Session struct {
	stdin  io.Writer
	stdout io.Reader

	requestID   atomic.Int64
	initialized atomic.Bool

	mu      sync.Mutex
	pending map[int64]chan *Response
	writeMu sync.Mutex

	onNotification NotificationHandler
	onRequest      RequestHandler
	onTimeout      TimeoutHandler
	rawTap         func(line []byte)

	logger    *logger.Logger
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates a session over the given pipes. Start must be called
// before the first Call.
func NewSession(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Session {
	return &Session{
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[int64]chan *Response),
		logger:  log.WithFields(zap.String("component", "jsonrpc-session")),
		done:    make(chan struct{}),
	}
}

// SetNotificationHandler registers the inbound notification handler.
func (s *Session) SetNotificationHandler(h NotificationHandler) {
	s.onNotification = h
}

// SetRequestHandler registers the handler for engine originated requests.
func (s *Session) SetRequestHandler(h RequestHandler) {
	s.onRequest = h
}

// SetTimeoutHandler registers the supervisor hook for call timeouts.
func (s *Session) SetTimeoutHandler(h TimeoutHandler) {
	s.onTimeout = h
}

// SetRawTap registers a sink that receives a copy of every inbound
// notification line exactly as it arrived on the wire.
func (s *Session) SetRawTap(tap func(line []byte)) {
	s.rawTap = tap
}

// Start begins the read loop. Handlers must be registered before Start.
func (s *Session) Start(ctx context.Context) {
	go s.readLoop(ctx)
}

// Close tears the session down and fails all in-flight calls.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Closed reports whether the session has shut down.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Initialize runs the strict handshake: the initialize call followed by the
// initialized notification. No other method may be sent before it completes.
func (s *Session) Initialize(ctx context.Context, params InitializeParams) (*Response, error) {
	resp, err := s.call(ctx, MethodInitialize, params, DefaultCallTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return resp, fmt.Errorf("initialize rejected: %s (code %d)", resp.Error.Message, resp.Error.Code)
	}
	if err := s.notify(MethodInitialized, nil); err != nil {
		return resp, err
	}
	s.initialized.Store(true)
	return resp, nil
}

// Call sends a request and waits for the matching response under the default
// call timeout.
func (s *Session) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	if !s.initialized.Load() {
		return nil, ErrNotInitialized
	}
	return s.call(ctx, method, params, DefaultCallTimeout)
}

// CallWithTimeout is Call with an explicit timeout. A non-positive timeout
// disables the session-imposed deadline; the caller's context still applies.
// Turn-length calls such as session/prompt use this.
func (s *Session) CallWithTimeout(ctx context.Context, method string, params interface{}, timeout time.Duration) (*Response, error) {
	if !s.initialized.Load() {
		return nil, ErrNotInitialized
	}
	return s.call(ctx, method, params, timeout)
}

// Notify sends a notification. No response is expected.
func (s *Session) Notify(method string, params interface{}) error {
	if !s.initialized.Load() && method != MethodInitialized {
		return ErrNotInitialized
	}
	return s.notify(method, params)
}

// Respond answers an engine originated request.
func (s *Session) Respond(id json.RawMessage, result interface{}, respErr *Error) error {
	var resultJSON json.RawMessage
	if result != nil && respErr == nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = data
	}
	return s.send(&Response{JSONRPC: "2.0", ID: id, Result: resultJSON, Error: respErr})
}

func (s *Session) call(ctx context.Context, method string, params interface{}, timeout time.Duration) (*Response, error) {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	id := s.requestID.Add(1)
	req := &Request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON}

	respCh := make(chan *Response, 1)
	s.mu.Lock()
	s.pending[id] = respCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.send(req); err != nil {
		return nil, err
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-timer:
		s.logger.Warn("call timed out",
			zap.String("method", method),
			zap.Int64("id", id),
			zap.Duration("timeout", timeout))
		if s.onTimeout != nil {
			s.onTimeout(method)
		}
		return nil, apperrors.EngineTimeout(method)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	}
}

func (s *Session) notify(method string, params interface{}) error {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return err
	}
	return s.send(&Notification{JSONRPC: "2.0", Method: method, Params: paramsJSON})
}

func (s *Session) send(msg interface{}) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (s *Session) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(s.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *Error          `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Warn("skipping non-JSON line", zap.String("line", string(line)))
			continue
		}

		hasID := len(msg.ID) > 0 && string(msg.ID) != "null"
		hasMethod := msg.Method != ""

		switch {
		case hasID && !hasMethod:
			s.dispatchResponse(&Response{ID: msg.ID, Result: msg.Result, Error: msg.Error})
		case hasID && hasMethod:
			s.dispatchRequest(msg.ID, msg.Method, msg.Params)
		case hasMethod:
			if s.rawTap != nil {
				tapped := make([]byte, len(line))
				copy(tapped, line)
				s.rawTap(tapped)
			}
			if s.onNotification != nil {
				s.onNotification(msg.Method, msg.Params)
			}
		default:
			s.logger.Warn("skipping message with neither id nor method", zap.String("line", string(line)))
		}
	}

	if err := scanner.Err(); err != nil {
		s.logger.Error("read loop failed", zap.Error(err))
	}
	// The wire is gone. Close so in-flight calls fail now instead of
	// waiting out their timeout.
	s.Close()
}

func (s *Session) dispatchResponse(resp *Response) {
	var id int64
	if err := json.Unmarshal(resp.ID, &id); err != nil {
		s.logger.Warn("response with non-integer id", zap.String("id", string(resp.ID)))
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("response for unknown request", zap.Int64("id", id))
		return
	}
	ch <- resp
}

func (s *Session) dispatchRequest(id json.RawMessage, method string, params json.RawMessage) {
	if s.onRequest != nil {
		s.onRequest(id, method, params)
		return
	}
	s.logger.Warn("request with no handler registered", zap.String("method", method))
	if err := s.Respond(id, nil, &Error{Code: CodeMethodNotFound, Message: "method not found: " + method}); err != nil {
		s.logger.Warn("failed to reject request", zap.Error(err))
	}
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return data, nil
}
