package capability

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// StdioConfig configures an MCP server spawned as a child process.
type StdioConfig struct {
	Name    string
	Command string
	Args    []string
	Env     []string // KEY=VALUE added to the parent environment
	Timeout time.Duration
}

// StdioProvider speaks MCP JSON-RPC over a child process's stdin/stdout.
// The process is started on first use and restarted after it exits.
type StdioProvider struct {
	cfg    StdioConfig
	logger zerolog.Logger

	startMu sync.Mutex
	proc    *stdioProcess
}

type stdioProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex
	mu      sync.Mutex
	nextID  int
	pending map[int]chan *rpcResponse
	done    chan struct{}
	exitErr error
}

// NewStdioProvider validates cfg and returns an unstarted provider.
func NewStdioProvider(cfg StdioConfig, logger zerolog.Logger) (*StdioProvider, error) {
	if cfg.Name == "" {
		return nil, errors.New("provider name is required")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("provider %s: command is required", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &StdioProvider{
		cfg:    cfg,
		logger: logger.With().Str("provider", cfg.Name).Str("transport", "stdio").Logger(),
	}, nil
}

func (p *StdioProvider) Name() string { return p.cfg.Name }

func (p *StdioProvider) List(ctx context.Context) ([]Descriptor, error) {
	raw, err := p.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	return parseToolsList(raw)
}

func (p *StdioProvider) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := p.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, err
	}
	return parseToolCall(raw)
}

// Close terminates the child process.
func (p *StdioProvider) Close() error {
	p.startMu.Lock()
	proc := p.proc
	p.proc = nil
	p.startMu.Unlock()

	if proc == nil {
		return nil
	}
	proc.stdin.Close()
	select {
	case <-proc.done:
	case <-time.After(2 * time.Second):
		if proc.cmd.Process != nil {
			_ = proc.cmd.Process.Kill()
		}
		<-proc.done
	}
	return nil
}

func (p *StdioProvider) ensureStarted(ctx context.Context) (*stdioProcess, error) {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.proc != nil {
		select {
		case <-p.proc.done:
			p.logger.Warn().Err(p.proc.exitErr).Msg("MCP server exited, restarting")
			p.proc = nil
		default:
			return p.proc, nil
		}
	}

	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	cmd.Stderr = &stderrLogger{logger: p.logger}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrUnreachable, p.cfg.Command, err)
	}

	proc := &stdioProcess{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int]chan *rpcResponse),
		done:    make(chan struct{}),
	}
	go proc.listen(stdout, p.logger)

	if _, err := proc.call(ctx, "initialize", initializeParams(), p.cfg.Timeout); err != nil {
		_ = cmd.Process.Kill()
		<-proc.done
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if err := proc.notify("notifications/initialized"); err != nil {
		_ = cmd.Process.Kill()
		<-proc.done
		return nil, err
	}

	p.logger.Info().Int("pid", cmd.Process.Pid).Msg("MCP server started")
	p.proc = proc
	return proc, nil
}

func (p *StdioProvider) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	proc, err := p.ensureStarted(ctx)
	if err != nil {
		return nil, err
	}
	return proc.call(ctx, method, params, p.cfg.Timeout)
}

func (sp *stdioProcess) listen(stdout io.Reader, logger zerolog.Logger) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		var resp rpcResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			logger.Debug().Err(err).Msg("Ignoring non JSON-RPC line from MCP server")
			continue
		}
		id, err := strconv.Atoi(string(resp.ID))
		if err != nil {
			// notifications and server requests carry no numeric id
			continue
		}

		sp.mu.Lock()
		ch, ok := sp.pending[id]
		delete(sp.pending, id)
		sp.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}

	sp.exitErr = sp.cmd.Wait()
	if sp.exitErr == nil {
		sp.exitErr = io.EOF
	}

	sp.mu.Lock()
	for id, ch := range sp.pending {
		delete(sp.pending, id)
		close(ch)
	}
	sp.mu.Unlock()
	close(sp.done)
}

func (sp *stdioProcess) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	sp.writeMu.Lock()
	defer sp.writeMu.Unlock()
	if _, err := sp.stdin.Write(data); err != nil {
		return fmt.Errorf("%w: write: %v", ErrUnreachable, err)
	}
	return nil
}

func (sp *stdioProcess) notify(method string) error {
	return sp.write(rpcRequest{JSONRPC: "2.0", Method: method})
}

func (sp *stdioProcess) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	sp.mu.Lock()
	sp.nextID++
	id := sp.nextID
	ch := make(chan *rpcResponse, 1)
	sp.pending[id] = ch
	sp.mu.Unlock()

	forget := func() {
		sp.mu.Lock()
		delete(sp.pending, id)
		sp.mu.Unlock()
	}

	if err := sp.write(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%w: server exited", ErrUnreachable)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("MCP %s: %w", method, context.DeadlineExceeded)
	}
}

type stderrLogger struct {
	logger zerolog.Logger
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.logger.Debug().Str("stderr", string(p)).Msg("MCP server output")
	return len(p), nil
}
