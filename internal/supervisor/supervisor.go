// Package supervisor spawns and reaps the agent's optional child
// services (suricatta-style pollers, download backends, bootloader
// helpers) that run as separate processes. A child is connected to the
// supervisor only through its captured stdout/stderr pipes; no socketpair
// or other RPC channel is created. The spawn-then-reap-on-exit shape is grounded
// on the pack's own "run a command, tear down its watcher goroutine when
// it exits" pattern (entrypoint/exec/run.go), generalized here from a
// single foreground command to a set of long-lived supervised children:
// if any one of them exits, every other child and the supervisor's own
// context are torn down together, since a partially-running set of
// helpers is not a state swupdate_agent_core can safely continue in.
package supervisor

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/swupdate/agent-core/internal/errs"
)

// LogFunc receives one captured output line from a child, tagged with its
// source stream.
type LogFunc func(name string, stream Stream, line string)

// Stream identifies which of a child's pipes a captured line came from.
type Stream int

const (
	StreamStdout Stream = iota
	StreamStderr
)

// Spec describes one child service to spawn.
type Spec struct {
	Name string
	Path string
	Args []string
	// UID/GID, if non-zero, drop privileges via SysProcAttr.Credential
	// before exec, the same way a setuid-root agent must drop privilege
	// before running a less-trusted helper.
	UID, GID uint32
	Env      []string
}

// child tracks one running Spec.
type child struct {
	spec Spec
	cmd  *exec.Cmd
}

// Supervisor owns a set of spawned children and tears all of them down
// together the moment any one exits or ctx is cancelled.
type Supervisor struct {
	log      LogFunc
	mu       sync.Mutex
	children []*child
}

// New builds a Supervisor. log may be nil to discard captured output.
func New(log LogFunc) *Supervisor {
	if log == nil {
		log = func(string, Stream, string) {}
	}
	return &Supervisor{log: log}
}

// Run spawns every spec and blocks until ctx is cancelled or any one
// child exits (cleanly or not); the error from that first exit (if any)
// is returned, and every other child is killed before Run returns.
func (s *Supervisor) Run(ctx context.Context, specs []Spec) error {
	g, gctx := errgroup.WithContext(ctx)
	cmds := make([]*exec.Cmd, len(specs))

	for i, spec := range specs {
		i, spec := i, spec
		cmd := exec.CommandContext(gctx, spec.Path, spec.Args...)
		cmd.Env = spec.Env
		if spec.UID != 0 || spec.GID != 0 {
			cmd.SysProcAttr = &syscall.SysProcAttr{
				Credential: &syscall.Credential{Uid: spec.UID, Gid: spec.GID},
				// Pdeathsig ensures the child is signalled if the
				// supervisor itself dies unexpectedly, so a crash never
				// leaves an orphaned privileged helper running.
				Pdeathsig: syscall.SIGTERM,
			}
		}
		cmds[i] = cmd

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return errs.Wrap(errs.Resource, err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return errs.Wrap(errs.Resource, err)
		}

		s.mu.Lock()
		s.children = append(s.children, &child{spec: spec, cmd: cmd})
		s.mu.Unlock()

		g.Go(func() error { return s.pump(spec.Name, StreamStdout, stdout) })
		g.Go(func() error { return s.pump(spec.Name, StreamStderr, stderr) })
		g.Go(func() error {
			if err := cmd.Start(); err != nil {
				return errs.Wrap(errs.Resource, err)
			}
			if err := cmd.Wait(); err != nil {
				return errs.New(errs.Resource, "child %q exited: %v", spec.Name, err)
			}
			return errs.New(errs.Resource, "child %q exited", spec.Name)
		})
	}

	return g.Wait()
}

func (s *Supervisor) pump(name string, stream Stream, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 64*1024)
	for scanner.Scan() {
		s.log(name, stream, scanner.Text())
	}
	return nil
}

// RunCmd runs one short-lived command to completion, capturing stdout and
// stderr line by line via log, and returns its combined exit error (nil on
// success). This is the non-supervised counterpart to Run, used for
// pre/post install scripts rather than long-lived helper processes.
func RunCmd(ctx context.Context, path string, args []string, log LogFunc) error {
	cmd := exec.CommandContext(ctx, path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errs.Wrap(errs.Resource, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errs.Wrap(errs.Resource, err)
	}

	var wg sync.WaitGroup
	pump := func(stream Stream, r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if log != nil {
				log(path, stream, scanner.Text())
			}
		}
	}
	wg.Add(2)
	if err := cmd.Start(); err != nil {
		return errs.Wrap(errs.Resource, err)
	}
	go pump(StreamStdout, stdout)
	go pump(StreamStderr, stderr)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return errs.New(errs.Handler, "command %q failed: %v", path, err)
	}
	return nil
}
