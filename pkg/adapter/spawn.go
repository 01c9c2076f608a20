package adapter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/aivorynet/dbgbridge/pkg/protocol"
	"github.com/aivorynet/dbgbridge/pkg/transport"
	"go.uber.org/zap"
)

// ErrHandshake is returned when a spawned runtime does not announce a
// debugging endpoint.
var ErrHandshake = errors.New("runtime did not announce a debugger endpoint")

var endpointPattern = regexp.MustCompile(`Debugger listening on (ws://\S+)`)

// Diagnostic lines the runtime prints about the debugger itself. They are
// not debuggee output.
var bannerPrefixes = []string{
	"Debugger listening on ",
	"For help, see: ",
	"Debugger attached.",
	"Waiting for the debugger to disconnect...",
	"Debugger ending on ",
}

// spawned runs the debuggee as a child runtime started halted with its
// inspector on an ephemeral port.
type spawned struct {
	cfg    *Config
	events protocol.Emitter
	logger *zap.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	readers  sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

func newSpawned(cfg *Config, events protocol.Emitter, logger *zap.Logger) *spawned {
	return &spawned{
		cfg:    cfg,
		events: events,
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (s *spawned) commandLine() []string {
	args := make([]string, 0, len(s.cfg.RuntimeArgs)+len(s.cfg.Args)+2)
	args = append(args, s.cfg.RuntimeArgs...)
	args = append(args, "--inspect-brk=127.0.0.1:0", s.cfg.Target)
	return append(args, s.cfg.Args...)
}

func (s *spawned) start(ctx context.Context) (transport.Transport, error) {
	cmd := exec.Command(s.cfg.Runtime, s.commandLine()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.cfg.Runtime, err)
	}
	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()
	s.logger.Debug("runtime started", zap.Int("pid", cmd.Process.Pid), zap.Strings("args", cmd.Args))

	endpoint := make(chan string, 1)
	stderrDone := make(chan struct{})
	s.readers.Add(2)
	go func() {
		defer s.readers.Done()
		s.forward(stdout, nil)
	}()
	go func() {
		defer s.readers.Done()
		defer close(stderrDone)
		s.forward(stderr, endpoint)
	}()

	var url string
	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case url = <-endpoint:
	case <-stderrDone:
		select {
		case url = <-endpoint:
		default:
			s.abort()
			return nil, fmt.Errorf("%w: runtime exited", ErrHandshake)
		}
	case <-timer.C:
		s.abort()
		return nil, fmt.Errorf("%w within %s", ErrHandshake, s.cfg.HandshakeTimeout)
	case <-ctx.Done():
		s.abort()
		return nil, ctx.Err()
	}

	s.logger.Debug("connecting to runtime", zap.String("url", url))
	conn, err := transport.DialWebSocket(ctx, url,
		transport.WithDialRetry(3, 100*time.Millisecond),
		transport.WithWebSocketLogger(s.logger))
	if err != nil {
		s.abort()
		return nil, fmt.Errorf("connect to runtime: %w", err)
	}
	return conn, nil
}

// forward turns child output into output events. Lines on stderr are
// scanned for the endpoint announcement, which is sent to endpoint once.
func (s *spawned) forward(r io.Reader, endpoint chan<- string) {
	br := bufio.NewReader(r)
	announced := false
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if endpoint != nil && !announced {
				if m := endpointPattern.FindStringSubmatch(line); m != nil {
					announced = true
					endpoint <- m[1]
				}
			}
			if isBanner(line) {
				s.logger.Debug("runtime diagnostic", zap.String("line", strings.TrimSpace(line)))
			} else {
				s.events.Emit(protocol.Output(line))
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("child output closed", zap.Error(err))
			}
			return
		}
	}
}

func isBanner(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, prefix := range bannerPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

// abort kills a child that never became debuggable and reaps it.
func (s *spawned) abort() {
	s.stop()
	_, _ = s.wait()
}

// wait returns the child's exit code after all of its output was forwarded.
func (s *spawned) wait() (*int, error) {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil {
		return nil, nil
	}

	s.readers.Wait()
	err := cmd.Wait()
	s.mu.Lock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, fmt.Errorf("wait for runtime: %w", err)
	}
	code := cmd.ProcessState.ExitCode()
	s.logger.Debug("runtime exited", zap.Int("code", code))
	if code < 0 {
		// Killed by a signal.
		return nil, nil
	}
	return &code, nil
}

func (s *spawned) exited() <-chan struct{} {
	return s.done
}

func (s *spawned) stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cmd := s.cmd
		s.mu.Unlock()
		if cmd == nil || cmd.Process == nil {
			return
		}
		s.logger.Debug("killing runtime", zap.Int("pid", cmd.Process.Pid))
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Debug("kill failed", zap.Error(err))
		}
	})
}
