package tpbuild

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Executor runs external programs for the build. Every child gets its own
// process group so cancelling Context takes down compilers spawned by make.
type Executor struct {
	Context context.Context // The context to use for cancellation
}

func NewExecutor(ctx context.Context) *Executor {
	return &Executor{Context: ctx}
}

// WithContext returns a copy of e bound to ctx.
func (e *Executor) WithContext(ctx context.Context) *Executor {
	c := *e
	c.Context = ctx
	return &c
}

// Run executes the given command. It wires up stdio, isolates the child in
// its own process group and kills the whole group when the context ends.
// A bare program name is looked up on the PATH of cmd.Env when it sets one.
// A non-zero exit is reported as ErrExternalTool.
func (e *Executor) Run(cmd *exec.Cmd) error {
	ctx := e.Context
	if ctx == nil {
		ctx = context.Background()
	}

	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	env := cmd.Env
	if len(env) == 0 {
		env = os.Environ()
	}

	path := cmd.Path
	if p, ok := lookPathEnv(cmd.Args[0], env); ok {
		path = p
	}
	finalCmd := exec.CommandContext(ctx, path, cmd.Args[1:]...)
	finalCmd.Args[0] = cmd.Args[0]
	finalCmd.Dir = cmd.Dir
	finalCmd.Env = env

	finalCmd.Stdin = cmd.Stdin
	finalCmd.Stdout = cmd.Stdout
	finalCmd.Stderr = cmd.Stderr
	finalCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	debugf("exec: %s (in %s)\n", strings.Join(cmd.Args, " "), cmd.Dir)

	if err := finalCmd.Start(); err != nil {
		return fmt.Errorf("%w: failed to start %s: %v", ErrExternalTool, cmd.Args[0], err)
	}

	pgid := finalCmd.Process.Pid
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			syscall.Kill(-pgid, syscall.SIGKILL)
		case <-done:
		}
	}()

	if waitErr := finalCmd.Wait(); waitErr != nil {
		if ctx.Err() != nil {
			time.Sleep(100 * time.Millisecond)
			return fmt.Errorf("command aborted: %w", ctx.Err())
		}
		return fmt.Errorf("%w: %s: %v", ErrExternalTool, strings.Join(cmd.Args, " "), waitErr)
	}
	return nil
}

// lookPathEnv finds a bare program name on the PATH entry of env.
// Names containing a slash, or an env without PATH, are left to exec.
func lookPathEnv(name string, env []string) (string, bool) {
	if name == "" || strings.ContainsRune(name, '/') {
		return "", false
	}
	var list string
	found := false
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			list, found = v, true
		}
	}
	if !found {
		return "", false
	}
	for _, dir := range filepath.SplitList(list) {
		if dir == "" {
			dir = "."
		}
		p := filepath.Join(dir, name)
		fi, err := os.Stat(p)
		if err == nil && fi.Mode().IsRegular() && fi.Mode().Perm()&0o111 != 0 {
			return p, true
		}
	}
	return "", false
}

// Output runs cmd and returns its stdout. Stderr is included in the error.
func (e *Executor) Output(cmd *exec.Cmd) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if cmd.Stdin == nil {
		cmd.Stdin = bytes.NewReader(nil)
	}
	if err := e.Run(cmd); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}
