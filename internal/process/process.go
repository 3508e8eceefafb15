// Package process launches provider executables and exposes their
// stdin/stdout as a byte stream.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whispo/contextd/pkg/models"
)

// DefaultStopGrace is how long Stop waits after interrupting a provider
// before killing it.
const DefaultStopGrace = 3 * time.Second

// Process is a running provider. Read yields the child's stdout, Write
// feeds its stdin.
type Process struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *io.PipeReader
	stderr *LineWriter
	grace  time.Duration

	done    chan struct{}
	exitErr error

	stopOnce sync.Once
}

// Spawn starts cfg.Command with cfg.Args. The child inherits the parent
// environment overlaid with cfg.Env. Diagnostic output goes to logs.
func Spawn(cfg models.ProviderConfig, logs *LogBuffer, grace time.Duration) (*Process, error) {
	if cfg.Command == "" {
		return nil, errors.New("provider command is empty")
	}
	if logs == nil {
		logs = NewLogBuffer(0)
	}
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	stderr := logs.Writer("stderr")
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start provider process: %w", err)
	}

	p := &Process{
		name:   cfg.Name,
		cmd:    cmd,
		stdin:  stdin,
		stdout: pr,
		stderr: stderr,
		grace:  grace,
		done:   make(chan struct{}),
	}

	log.Info().
		Str("provider", cfg.Name).
		Str("command", cfg.Command).
		Int("pid", cmd.Process.Pid).
		Msg("Provider process started")

	go func() {
		p.exitErr = cmd.Wait()
		stderr.Flush()
		pw.Close()
		close(p.done)
		log.Info().Str("provider", cfg.Name).Int("pid", cmd.Process.Pid).Err(p.exitErr).Msg("Provider process exited")
	}()

	return p, nil
}

func (p *Process) Read(b []byte) (int, error) { return p.stdout.Read(b) }

func (p *Process) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *Process) PID() int { return p.cmd.Process.Pid }

// Done is closed after the child has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Close stops the process.
func (p *Process) Close() error {
	p.Stop()
	return nil
}

// Stop closes stdin, interrupts the child and kills it if it has not
// exited within the grace period.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		_ = p.stdin.Close()
		// Unblocks the stdout copier so Wait can return.
		_ = p.stdout.CloseWithError(io.EOF)

		select {
		case <-p.done:
			return
		case <-time.After(p.grace / 3):
		}

		log.Info().Str("provider", p.name).Int("pid", p.PID()).Msg("Stopping provider process")
		_ = p.cmd.Process.Signal(os.Interrupt)
		select {
		case <-p.done:
		case <-time.After(p.grace):
			_ = p.cmd.Process.Kill()
			<-p.done
		}
	})
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(base)+len(keys))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
