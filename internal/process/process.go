// Package process spawns a child under a new session with a pty as its
// controlling terminal (spec §4.B), and exposes its output as a channel of
// lease.Item chunks no larger than the spec's pty read buffer.
package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"meshgate/internal/lease"
	"meshgate/internal/ptydevice"
	"meshgate/internal/streamconst"
)

// Options configures Spawn. Env, when non-nil, fully replaces the child's
// environment (spec's "env: set/unset/clear"); a nil Env inherits the
// current process's environment via exec.Cmd's default behavior.
type Options struct {
	Program string
	Args    []string
	Env     []string
	Dir     string
	Uid     *uint32
	Gid     *uint32
	// Arg0 overrides argv[0] independent of Program, as spec §4.B allows.
	Arg0 string

	// Stdin, Stdout, Stderr override the corresponding handle; each
	// defaults to the pty slave when nil.
	Stdin, Stdout, Stderr *os.File
}

// Process owns a spawned child and the pty device it runs under.
type Process struct {
	Cmd    *exec.Cmd
	Device *ptydevice.Device
}

// Spawn derives stdin/stdout/stderr from dev's slave unless overridden,
// installs a session-leader SysProcAttr (new session, slave as controlling
// terminal), and starts the child (spec §4.B steps 1-3).
//
// Go's os/exec performs the session-leader step natively via
// SysProcAttr{Setsid, Setctty}: the kernel runs setsid()+TIOCSCTTY between
// fork and exec, so there is no hand-written async-signal-safe pre-exec
// callback to maintain, unlike the original's nix-crate callback. A caller
// wanting an additional pre-exec step can extend Options without touching
// this invariant, since Go doesn't expose arbitrary pre-exec hooks at all;
// Uid/Gid credential changes at exec time cover the common case.
func Spawn(ctx context.Context, opts Options, dev *ptydevice.Device) (*Process, error) {
	slave, err := dev.Slave()
	if err != nil {
		return nil, fmt.Errorf("process: open slave: %w", err)
	}
	defer slave.Close()

	cmd := exec.CommandContext(ctx, opts.Program, opts.Args...)
	if opts.Arg0 != "" {
		cmd.Args = append([]string{opts.Arg0}, opts.Args...)
	}
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	cmd.Dir = opts.Dir

	cmd.Stdin = coalesce(opts.Stdin, slave)
	cmd.Stdout = coalesce(opts.Stdout, slave)
	cmd.Stderr = coalesce(opts.Stderr, slave)

	attr := &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0, // fd 0 in the child is cmd.Stdin, the pty slave.
	}
	if opts.Uid != nil || opts.Gid != nil {
		cred := &syscall.Credential{}
		if opts.Uid != nil {
			cred.Uid = *opts.Uid
		}
		if opts.Gid != nil {
			cred.Gid = *opts.Gid
		}
		attr.Credential = cred
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("process: spawn: %w", err)
	}

	return &Process{Cmd: cmd, Device: dev}, nil
}

func coalesce(f *os.File, fallback *os.File) *os.File {
	if f != nil {
		return f
	}
	return fallback
}

// Wait blocks until the child exits and reaps it.
func (p *Process) Wait() error {
	return p.Cmd.Wait()
}

// OutputStream reads the pty master in chunks of at most
// streamconst.PTYReadBufferSize bytes and emits them as lease.Items,
// finishing with a KindEOS item when the master reports EOF (the slave side
// has no more writers) or a KindError item on any other read failure.
func (p *Process) OutputStream() <-chan lease.Item {
	out := make(chan lease.Item)
	go func() {
		defer close(out)
		buf := make([]byte, streamconst.PTYReadBufferSize)
		for {
			n, err := p.Device.Master.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				out <- lease.Item{Kind: lease.KindData, Data: chunk}
			}
			if err != nil {
				if err == io.EOF {
					out <- lease.Item{Kind: lease.KindEOS}
				} else {
					out <- lease.Item{Kind: lease.KindError, Err: err}
				}
				return
			}
		}
	}()
	return out
}
