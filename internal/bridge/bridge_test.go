package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct{}

func (fakeProcess) Kill() error { return nil }
func (fakeProcess) Wait() error { return nil }

// companion is a scripted bridge peer on in-memory pipes. Each call to
// expect reads one command line and answers with the given raw lines.
type companion struct {
	t        *testing.T
	commands *bufio.Scanner
	stdout   io.Writer
}

// startBridge wires a bridge against an in-memory companion.
func startBridge(t *testing.T, cfg Config) (*Bridge, *companion) {
	t.Helper()

	commandReader, commandWriter := io.Pipe()
	outputReader, outputWriter := io.Pipe()

	b := newBridge(cfg, fakeProcess{}, commandWriter, outputReader, nil)
	t.Cleanup(b.Close)

	return b, &companion{
		t:        t,
		commands: bufio.NewScanner(commandReader),
		stdout:   outputWriter,
	}
}

// readCommand blocks until the bridge writes its next command line.
func (c *companion) readCommand() Command {
	c.t.Helper()

	require.True(c.t, c.commands.Scan(), "expected a command line from the bridge")

	var cmd Command
	require.NoError(c.t, json.Unmarshal(c.commands.Bytes(), &cmd))
	return cmd
}

func (c *companion) writeLine(line string) {
	c.t.Helper()

	_, err := io.WriteString(c.stdout, line+"\n")
	require.NoError(c.t, err)
}

func TestCallReturnsMatchingResult(t *testing.T) {
	b, peer := startBridge(t, Config{Name: "test"})

	go func() {
		cmd := peer.readCommand()
		assert.Equal(t, "resolve", cmd.Method)
		peer.writeLine(fmt.Sprintf(`{"id":%d,"result":{"value":42}}`, cmd.ID))
	}()

	result, err := b.Call(context.Background(), "resolve", map[string]any{"key": "v"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":42}`, string(result))
	assert.False(t, b.Closed())
}

func TestCommandIDsAreMonotonic(t *testing.T) {
	b, peer := startBridge(t, Config{Name: "test"})

	go func() {
		for i := 0; i < 3; i++ {
			cmd := peer.readCommand()
			assert.EqualValues(t, i+1, cmd.ID)
			peer.writeLine(fmt.Sprintf(`{"id":%d,"result":null}`, cmd.ID))
		}
	}()

	for i := 0; i < 3; i++ {
		_, err := b.Call(context.Background(), "noop", nil)
		require.NoError(t, err)
	}
}

func TestEventsDispatchedInOrderBeforeResponse(t *testing.T) {
	var events []string
	cfg := Config{
		Name: "test",
		OnEvent: func(ev Event) {
			events = append(events, ev.Name)
		},
	}

	b, peer := startBridge(t, cfg)

	go func() {
		cmd := peer.readCommand()
		// interleaved events must reach the handler before the response
		peer.writeLine(`{"event":"session_proposal","uri":"wc:abc"}`)
		peer.writeLine(`{"event":"session_settle"}`)
		peer.writeLine(fmt.Sprintf(`{"id":%d,"result":"done"}`, cmd.ID))
	}()

	result, err := b.Call(context.Background(), "connect", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"done"`, string(result))

	// the read loop dispatches events synchronously, so both were handled
	// strictly before the response was delivered
	assert.Equal(t, []string{"session_proposal", "session_settle"}, events)
}

func TestEventCarriesFullLine(t *testing.T) {
	eventCh := make(chan Event, 1)
	_, peer := startBridge(t, Config{
		Name:    "test",
		OnEvent: func(ev Event) { eventCh <- ev },
	})

	peer.writeLine(`{"event":"accounts_changed","accounts":["0xabc"]}`)

	select {
	case ev := <-eventCh:
		assert.Equal(t, "accounts_changed", ev.Name)
		assert.JSONEq(t, `{"event":"accounts_changed","accounts":["0xabc"]}`, string(ev.Fields))
	case <-time.After(2 * time.Second):
		t.Fatal("event was not dispatched")
	}
}

func TestResponseIDMismatchIsProtocolFatal(t *testing.T) {
	b, peer := startBridge(t, Config{Name: "test"})

	go func() {
		cmd := peer.readCommand()
		peer.writeLine(fmt.Sprintf(`{"id":%d,"result":"stale"}`, cmd.ID+41))
	}()

	_, err := b.Call(context.Background(), "resolve", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
	assert.True(t, b.Closed())

	// the bridge is unusable after a protocol fault
	_, err = b.Call(context.Background(), "resolve", nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestMalformedLineIsProtocolFatal(t *testing.T) {
	b, peer := startBridge(t, Config{Name: "test"})

	go func() {
		peer.readCommand()
		peer.writeLine(`this is not json`)
	}()

	_, err := b.Call(context.Background(), "resolve", nil)
	require.Error(t, err)
	assert.True(t, b.Closed())
}

func TestCommandErrorKeepsBridgeUsable(t *testing.T) {
	b, peer := startBridge(t, Config{Name: "test"})

	go func() {
		cmd := peer.readCommand()
		peer.writeLine(fmt.Sprintf(`{"id":%d,"error":{"code":4001,"message":"user rejected"}}`, cmd.ID))

		cmd = peer.readCommand()
		peer.writeLine(fmt.Sprintf(`{"id":%d,"result":"ok"}`, cmd.ID))
	}()

	_, err := b.Call(context.Background(), "sign", nil)
	require.Error(t, err)

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 4001, cmdErr.Code)
	assert.Equal(t, "user rejected", cmdErr.Message)

	// a command-level error is an answer; the bridge stays usable
	assert.False(t, b.Closed())

	result, err := b.Call(context.Background(), "sign", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(result))
}

func TestCallTimeoutTearsBridgeDown(t *testing.T) {
	b, peer := startBridge(t, Config{Name: "test", DefaultTimeout: 50 * time.Millisecond})

	go func() {
		// swallow the command and never answer
		peer.readCommand()
	}()

	_, err := b.Call(context.Background(), "hang", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.True(t, b.Closed())
}

func TestClosedOutputIsFatal(t *testing.T) {
	commandReader, commandWriter := io.Pipe()
	outputReader, outputWriter := io.Pipe()

	b := newBridge(Config{Name: "test"}, fakeProcess{}, commandWriter, outputReader, nil)
	t.Cleanup(b.Close)

	go func() {
		scanner := bufio.NewScanner(commandReader)
		scanner.Scan()
		_ = outputWriter.Close()
	}()

	_, err := b.Call(context.Background(), "resolve", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed its output")
}
