package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/bitk/bitk/internal/common/errors"
	"github.com/bitk/bitk/internal/common/logger"
	"github.com/bitk/bitk/internal/engine"
	"github.com/bitk/bitk/internal/engine/jsonrpc"
)

// ioProcess is the slice of the OS process handle the session supervisor
// needs. Satisfied by process.OSProcess; tests substitute pipe-backed fakes.
type ioProcess interface {
	engine.SpawnedProcess
	Stdin() io.WriteCloser
}

var (
	_ engine.SpawnedProcess = (*Process)(nil)
	_ engine.InputSender    = (*Process)(nil)
)

// Process supervises one subprocess and its JSON-RPC session. The session
// owns the real stdout; notification lines are re-framed verbatim onto a
// synthetic stdout pipe, with synthesized session and result lines marking
// the lifecycle, so the normal line pipeline consumes this engine too.
type Process struct {
	inner   ioProcess
	session *jsonrpc.Session

	ctx    context.Context
	cancel context.CancelFunc

	outR *io.PipeReader
	outW *io.PipeWriter

	sessionID string
	model     string
	mode      engine.PermissionMode
	log       *logger.Logger
}

// startProcess wires the session over the subprocess pipes, runs the strict
// handshake, opens or resumes the session and fires the first prompt. The
// caller kills the subprocess when an error is returned.
func startProcess(inner ioProcess, opts engine.SpawnOptions, resume bool, log *logger.Logger) (*Process, error) {
	ctx, cancel := context.WithCancel(context.Background())
	outR, outW := io.Pipe()
	p := &Process{
		inner:  inner,
		ctx:    ctx,
		cancel: cancel,
		outR:   outR,
		outW:   outW,
		model:  opts.Model,
		mode:   opts.PermissionMode,
		log:    log.WithFields(zap.String("engine", engine.TypeGemini)),
	}

	session := jsonrpc.NewSession(inner.Stdin(), inner.Stdout(), log)
	session.SetRawTap(p.forwardLine)
	session.SetRequestHandler(p.handleRequest)
	session.SetTimeoutHandler(p.scheduleKill)
	p.session = session

	session.Start(ctx)
	go p.watchExit()

	if err := p.open(opts, resume); err != nil {
		p.shutdown()
		return nil, err
	}

	go p.firstTurn(opts.Prompt)
	return p, nil
}

// firstTurn announces the session on the re-framed stream, then runs the
// initial prompt. Emission happens off the spawn path because the synthetic
// pipe has no buffer until the consumer attaches after spawn returns.
func (p *Process) firstTurn(prompt string) {
	p.emitUpdate(updateSession, sessionData{SessionID: p.sessionID, Model: p.model})
	p.runPrompt(prompt)
}

func (p *Process) open(opts engine.SpawnOptions, resume bool) error {
	if _, err := p.session.Initialize(p.ctx, jsonrpc.InitializeParams{
		ProtocolVersion: 1,
		ClientInfo:      jsonrpc.ClientInfo{Name: "bitk", Version: "1.0"},
		Capabilities:    jsonrpc.Capabilities{Streaming: true},
	}); err != nil {
		return apperrors.SpawnFailed(engine.TypeGemini, err)
	}

	if resume {
		resp, err := p.session.Call(p.ctx, jsonrpc.MethodSessionLoad, jsonrpc.SessionLoadParams{
			SessionID: opts.ExternalSessionID,
		})
		if err != nil {
			return apperrors.SessionError(fmt.Sprintf("session load failed: %v", err))
		}
		if resp.Error != nil {
			return apperrors.SessionError("no conversation found for session " + opts.ExternalSessionID)
		}
		p.sessionID = opts.ExternalSessionID
	} else {
		resp, err := p.session.Call(p.ctx, jsonrpc.MethodSessionNew, jsonrpc.SessionNewParams{
			Cwd:        opts.WorkingDir,
			McpServers: []interface{}{},
		})
		if err != nil {
			return apperrors.SpawnFailed(engine.TypeGemini, err)
		}
		if resp.Error != nil {
			return apperrors.SpawnFailed(engine.TypeGemini, resp.Error)
		}
		var result jsonrpc.SessionNewResult
		if err := json.Unmarshal(resp.Result, &result); err != nil || result.SessionID == "" {
			return apperrors.SpawnFailed(engine.TypeGemini, errors.New("session/new returned no session id"))
		}
		p.sessionID = result.SessionID
	}
	return nil
}

// runPrompt drives one turn. The call is unbounded; the turn ends when the
// engine responds, and the outcome is re-framed as a result line.
func (p *Process) runPrompt(prompt string) {
	resp, err := p.session.CallWithTimeout(p.ctx, jsonrpc.MethodSessionPrompt, jsonrpc.SessionPromptParams{
		SessionID: p.sessionID,
		Prompt:    []jsonrpc.ContentBlock{{Type: "text", Text: prompt}},
	}, 0)
	if err != nil {
		// Session teardown already surfaces through the exit path.
		if errors.Is(err, jsonrpc.ErrSessionClosed) || errors.Is(err, context.Canceled) {
			return
		}
		p.emitUpdate(updateResult, resultData{Success: false, Error: err.Error()})
		return
	}
	if resp.Error != nil {
		p.emitUpdate(updateResult, resultData{Success: false, Error: resp.Error.Message})
		return
	}

	var result jsonrpc.SessionPromptResult
	_ = json.Unmarshal(resp.Result, &result)
	p.emitUpdate(updateResult, resultData{StopReason: result.StopReason, Success: true})
}

// forwardLine re-frames one verbatim notification line onto the synthetic
// stdout. The tap hands over a private copy, so appending is safe.
func (p *Process) forwardLine(line []byte) {
	_, _ = p.outW.Write(append(line, '\n'))
}

// emitUpdate synthesizes a session/update line in the same envelope the
// engine uses, keeping the normalizer grammar uniform.
func (p *Process) emitUpdate(updateType string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	params, err := json.Marshal(jsonrpc.SessionUpdate{Type: updateType, Data: payload})
	if err != nil {
		return
	}
	line, err := json.Marshal(jsonrpc.Notification{
		JSONRPC: "2.0",
		Method:  jsonrpc.NotificationSessionUpdate,
		Params:  params,
	})
	if err != nil {
		return
	}
	_, _ = p.outW.Write(append(line, '\n'))
}

// handleRequest answers engine originated requests. Permission requests are
// resolved from the spawn's permission mode; anything else is rejected.
func (p *Process) handleRequest(id json.RawMessage, method string, params json.RawMessage) {
	if method != jsonrpc.MethodRequestPermission {
		_ = p.session.Respond(id, nil, &jsonrpc.Error{
			Code:    jsonrpc.CodeMethodNotFound,
			Message: "method not found: " + method,
		})
		return
	}

	var req jsonrpc.RequestPermissionParams
	if err := json.Unmarshal(params, &req); err != nil {
		_ = p.session.Respond(id, nil, &jsonrpc.Error{
			Code:    jsonrpc.CodeInvalidParams,
			Message: "malformed permission request",
		})
		return
	}

	outcome := pickPermission(p.mode, req.Options)
	p.log.Info("answered permission request",
		zap.String("outcome", outcome.Outcome),
		zap.String("option", outcome.OptionID))
	_ = p.session.Respond(id, jsonrpc.RequestPermissionResult{Outcome: outcome}, nil)
}

// pickPermission resolves a permission request without user interaction:
// permissive modes take the broadest allow option, restrictive modes a
// reject option, and a request with no usable options is cancelled.
func pickPermission(mode engine.PermissionMode, options []jsonrpc.PermissionOption) jsonrpc.PermissionOutcome {
	pick := func(kinds ...string) string {
		for _, kind := range kinds {
			for _, opt := range options {
				if opt.Kind == kind {
					return opt.OptionID
				}
			}
		}
		return ""
	}

	var optionID string
	switch mode {
	case engine.PermissionBypass:
		optionID = pick("allow_always", "allow_once")
	case engine.PermissionAuto:
		optionID = pick("allow_once", "allow_always")
	default:
		optionID = pick("reject_once", "reject_always")
	}
	if optionID == "" {
		return jsonrpc.PermissionOutcome{Outcome: "cancelled"}
	}
	return jsonrpc.PermissionOutcome{Outcome: "selected", OptionID: optionID}
}

// scheduleKill is the supervisor hook for timed out calls: the subprocess
// gets KillDelay to produce the late response before the hard kill.
func (p *Process) scheduleKill(method string) {
	p.log.Warn("scheduling kill after call timeout", zap.String("method", method))
	time.AfterFunc(jsonrpc.KillDelay, func() {
		select {
		case <-p.inner.Exited():
		default:
			_ = p.inner.Kill(os.Kill)
		}
	})
}

func (p *Process) watchExit() {
	<-p.inner.Exited()
	p.shutdown()
}

func (p *Process) shutdown() {
	p.session.Close()
	p.cancel()
	_ = p.outW.Close()
}

// Stdout returns the synthetic line stream, not the subprocess pipe; the
// session owns the only reader over the real stdout.
func (p *Process) Stdout() io.ReadCloser { return p.outR }

func (p *Process) Stderr() io.ReadCloser { return p.inner.Stderr() }

// Cancel asks the engine to stop the turn, then signals the process group.
func (p *Process) Cancel() error {
	_ = p.session.Notify(jsonrpc.MethodSessionCancel, jsonrpc.SessionCancelParams{
		SessionID: p.sessionID,
		Reason:    "user cancelled",
	})
	return p.inner.Cancel()
}

func (p *Process) Kill(sig os.Signal) error { return p.inner.Kill(sig) }

func (p *Process) Exited() <-chan struct{} { return p.inner.Exited() }

func (p *Process) ExitResult() engine.ExitResult { return p.inner.ExitResult() }

func (p *Process) PID() int { return p.inner.PID() }

// SendInput starts the next turn on the open session.
func (p *Process) SendInput(ctx context.Context, prompt string) error {
	if p.session.Closed() {
		return jsonrpc.ErrSessionClosed
	}
	go p.runPrompt(prompt)
	return nil
}
