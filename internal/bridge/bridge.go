package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vibefi/dapphost/internal/metrics"
)

const (
	defaultCommandTimeout = 20 * time.Second
	// margin added on top of caller-supplied timeouts so the companion's own
	// deadline fires first and produces a proper error line
	timeoutMargin = 5 * time.Second
	// companion lines are JSON objects; content fetches can be large
	maxLineBytes = 32 * 1024 * 1024
)

// ErrClosed is returned for commands issued after the bridge became unusable.
var ErrClosed = errors.New("bridge is closed")

// process abstracts the companion child process so tests can drive the
// bridge over in-memory pipes.
type process interface {
	Kill() error
	Wait() error
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }
func (p *execProcess) Wait() error { return p.cmd.Wait() }

// Bridge drives one companion process over newline-delimited JSON. Exactly
// one command may be outstanding at a time; unsolicited event lines are
// demultiplexed to the configured handler. On timeout or protocol fault the
// companion is killed and the bridge becomes unusable; callers re-spawn.
type Bridge struct {
	name           string
	proc           process
	stdin          io.WriteCloser
	responses      chan inbound
	onEvent        EventHandler
	defaultTimeout time.Duration
	metrics        *metrics.Service
	logger         zerolog.Logger

	mu     sync.Mutex
	nextID uint64
	closed bool
}

// Spawn starts the companion, wires the read loop and issues a ping as a
// liveness check. A ping failure is a hard spawn failure: the companion's
// runtime or dependencies are likely missing.
func Spawn(ctx context.Context, cfg Config, m *metrics.Service) (*Bridge, error) {
	if cfg.Command == "" {
		return nil, errors.New("companion command is not configured")
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for key, value := range cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open companion stdin")
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open companion stdout")
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open companion stderr")
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to spawn companion %q", cfg.Command)
	}

	b := newBridge(cfg, &execProcess{cmd: cmd}, stdin, stdout, m)
	go b.drainStderr(stderr)

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}

	if _, err := b.call(ctx, "ping", nil, pingTimeout); err != nil {
		b.Close()
		return nil, errors.Wrapf(err, "companion %q failed liveness ping (runtime or dependencies missing?)", cfg.Command)
	}

	b.logger.Info().Msg("Companion process ready")

	return b, nil
}

// newBridge wires a bridge over explicit streams. Split out of Spawn so
// tests can run a scripted companion on in-memory pipes.
func newBridge(cfg Config, proc process, stdin io.WriteCloser, stdout io.Reader, m *metrics.Service) *Bridge {
	defaultTimeout := cfg.DefaultTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = defaultCommandTimeout
	}

	b := &Bridge{
		name:           cfg.Name,
		proc:           proc,
		stdin:          stdin,
		// one-slot buffer: at most one command is outstanding, and the read
		// loop may produce the response before the caller reaches its select
		responses:      make(chan inbound, 1),
		onEvent:        cfg.OnEvent,
		defaultTimeout: defaultTimeout,
		metrics:        m,
		logger:         log.With().Str("component", "bridge").Str("bridge", cfg.Name).Logger(),
	}

	go b.readLoop(stdout)

	return b
}

// Call issues one command with the default timeout and blocks until the
// matching response line arrives. It must not be called from the event loop.
func (b *Bridge) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return b.call(ctx, method, params, b.defaultTimeout)
}

// CallWithTimeout issues one command with a caller-supplied timeout (content
// fetches); a fixed margin is added so the companion's own deadline wins.
func (b *Bridge) CallWithTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return b.call(ctx, method, params, timeout+timeoutMargin)
}

func (b *Bridge) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	cmd := Command{ID: b.nextID, Method: method, Params: params}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode bridge command")
	}

	if _, err := b.stdin.Write(append(payload, '\n')); err != nil {
		b.teardownLocked()
		b.metrics.ObserveBridgeCommand(b.name, "write_error")
		return nil, errors.Wrap(err, "failed to write bridge command")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-b.responses:
		if resp.fatal != nil {
			b.teardownLocked()
			b.metrics.ObserveBridgeCommand(b.name, "protocol_error")
			return nil, resp.fatal
		}
		if resp.id != cmd.ID {
			b.teardownLocked()
			b.metrics.ObserveBridgeCommand(b.name, "protocol_error")
			return nil, errors.Errorf("protocol error: response id %d does not match command id %d", resp.id, cmd.ID)
		}
		if resp.err != nil {
			b.metrics.ObserveBridgeCommand(b.name, "error")
			return nil, resp.err
		}
		b.metrics.ObserveBridgeCommand(b.name, "ok")
		return resp.result, nil

	case <-timer.C:
		b.teardownLocked()
		b.metrics.ObserveBridgeCommand(b.name, "timeout")
		return nil, errors.Errorf("command %q timed out after %s", method, timeout)

	case <-ctx.Done():
		b.teardownLocked()
		b.metrics.ObserveBridgeCommand(b.name, "canceled")
		return nil, ctx.Err()
	}
}

// readLoop classifies every stdout line: events go straight to the handler,
// responses to the outstanding command. A malformed line is protocol-fatal.
func (b *Bridge) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var probe line
		if err := json.Unmarshal(raw, &probe); err != nil {
			b.deliver(inbound{fatal: errors.Wrap(err, "protocol error: malformed companion line")})
			return
		}

		if probe.Event != "" {
			b.metrics.ObserveBridgeEvent(b.name)
			if b.onEvent != nil {
				fields := make(json.RawMessage, len(raw))
				copy(fields, raw)
				b.onEvent(Event{Name: probe.Event, Fields: fields})
			}
			continue
		}

		if probe.ID == nil {
			b.deliver(inbound{fatal: errors.New("protocol error: companion line carries neither event nor id")})
			return
		}

		result := make(json.RawMessage, len(probe.Result))
		copy(result, probe.Result)
		b.deliver(inbound{id: *probe.ID, result: result, err: probe.Error})
	}

	err := scanner.Err()
	if err == nil {
		err = errors.New("companion process closed its output")
	}
	b.deliver(inbound{fatal: err})
}

// deliver hands a line to the waiting command, or drops it when nobody
// waits (a late response for an already timed-out command lands here).
func (b *Bridge) deliver(msg inbound) {
	select {
	case b.responses <- msg:
	default:
		if msg.fatal == nil {
			b.logger.Warn().Uint64("id", msg.id).Msg("Dropping companion response with no outstanding command")
		}
	}
}

func (b *Bridge) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		b.logger.Debug().Str("stderr", scanner.Text()).Msg("Companion stderr")
	}
}

// Closed reports whether the bridge became unusable (timeout, protocol
// fault or explicit close); a closed bridge must be re-spawned.
func (b *Bridge) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close kills and waits on the companion. Safe to call more than once.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.teardownLocked()
}

func (b *Bridge) teardownLocked() {
	if b.closed {
		return
	}
	b.closed = true

	_ = b.stdin.Close()
	if err := b.proc.Kill(); err != nil {
		b.logger.Debug().Err(err).Msg("Failed to kill companion process")
	}
	_ = b.proc.Wait()

	b.logger.Info().Msg("Companion process torn down")
}
