// Package toolexec runs external genomics tools (aligners, samtools, GATK,
// picard, ...) with an explicit argument vector. Commands are never passed
// through a shell. Standard output is either captured or streamed to an
// artifact path; standard error is captured and surfaced when the command
// exits with a nonzero status.
package toolexec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/biogo/external"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"v.io/x/lib/envvar"
	"v.io/x/lib/lookpath"
)

// Cmd describes one invocation of an external tool.
type Cmd struct {
	// Args is the argument vector. Args[0] is the program to run.
	Args []string
	// Stdout, if nonempty, is the path that receives the standard output of
	// the command. The file is only committed when the command succeeds.
	// When empty, stdout is captured in Output.Stdout.
	Stdout string
	// Dir is the working directory of the command. Empty means the current
	// directory of the calling process.
	Dir string
}

// String returns the command line, for logging.
func (c Cmd) String() string {
	s := strings.Join(c.Args, " ")
	if c.Stdout != "" {
		s += " > " + c.Stdout
	}
	return s
}

// Output holds what a command wrote.
type Output struct {
	// Stdout is the captured standard output. It is nil when Cmd.Stdout
	// names a destination file.
	Stdout []byte
	// Stderr is the tail of the standard error stream.
	Stderr []byte
}

// Runner runs external commands. Implementations must block until the
// command has exited.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) (Output, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, cmd Cmd) (Output, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, cmd Cmd) (Output, error) { return f(ctx, cmd) }

// ExitError is returned when a command exits with a nonzero status.
type ExitError struct {
	Args   []string
	Code   int
	Stderr string
}

// Error implements error.
func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", strings.Join(e.Args, " "), e.Code)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// DefaultMaxStderr is the number of trailing stderr bytes kept by Local.
const DefaultMaxStderr = 64 << 10

// Local runs commands as child processes of the current process.
type Local struct {
	// MaxStderr bounds the number of trailing stderr bytes kept in memory.
	// Zero means DefaultMaxStderr.
	MaxStderr int
}

// Run implements Runner.
func (l Local) Run(ctx context.Context, cmd Cmd) (out Output, err error) {
	if len(cmd.Args) == 0 {
		return out, errors.E("toolexec: empty argument vector")
	}
	maxStderr := l.MaxStderr
	if maxStderr <= 0 {
		maxStderr = DefaultMaxStderr
	}
	c := exec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...)
	c.Dir = cmd.Dir
	stderr := &tailBuffer{max: maxStderr}
	c.Stderr = stderr

	var (
		stdout bytes.Buffer
		dst    file.File
	)
	if cmd.Stdout != "" {
		if dst, err = file.Create(ctx, cmd.Stdout); err != nil {
			return out, errors.E(err, "toolexec: create", cmd.Stdout)
		}
		c.Stdout = dst.Writer(ctx)
	} else {
		c.Stdout = &stdout
	}

	log.Debug.Printf("exec: %s", cmd)
	runErr := c.Run()
	out.Stderr = stderr.Bytes()
	if cmd.Stdout == "" {
		out.Stdout = stdout.Bytes()
	}
	if runErr != nil {
		if dst != nil {
			// A partial artifact must not be committed.
			dst.Discard(ctx)
		}
		if ee, ok := runErr.(*exec.ExitError); ok {
			return out, &ExitError{Args: cmd.Args, Code: ee.ExitCode(), Stderr: string(out.Stderr)}
		}
		return out, errors.E(runErr, "toolexec: run", cmd.Args[0])
	}
	if dst != nil {
		if err = dst.Close(ctx); err != nil {
			return out, errors.E(err, "toolexec: close", cmd.Stdout)
		}
	}
	return out, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return n, nil
	}
	if over := len(t.buf) + len(p) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

func (t *tailBuffer) Bytes() []byte { return t.buf }

// Args renders a tool declaration into an argument vector. Fields of cb are
// declared with buildarg struct tags, for example
//
//	type faidx struct {
//		Cmd   string `buildarg:"{{if .}}{{.}}{{else}}samtools{{end}}"`
//		Sub   string `buildarg:"faidx"`
//		Fasta string `buildarg:"{{.}}"`
//	}
func Args(cb external.CommandBuilder) ([]string, error) {
	args, err := external.Build(cb)
	if err != nil {
		return nil, errors.E(err, "toolexec: build arguments")
	}
	if len(args) == 0 {
		return nil, errors.E("toolexec: empty argument vector")
	}
	return args, nil
}

// Build implements external.CommandBuilder for tool declarations: it renders
// cb and returns an unstarted exec.Cmd. Pipeline stages run commands through
// a Runner instead; Build exists so declarations satisfy the builder
// interface and can be inspected or run directly.
func Build(cb external.CommandBuilder) (*exec.Cmd, error) {
	args, err := Args(cb)
	if err != nil {
		return nil, err
	}
	return exec.Command(args[0], args[1:]...), nil
}

// LookPath returns the path of the first of the given programs that is
// installed in the process PATH.
func LookPath(candidates ...string) (string, error) {
	env := envvar.SliceToMap(os.Environ())
	for _, name := range candidates {
		if path, err := lookpath.Look(env, name); err == nil {
			return path, nil
		}
	}
	return "", errors.E(errors.NotExist, fmt.Sprintf("toolexec: none of %v found in PATH", candidates))
}

// RunTool renders cb and runs it with r. If stdout is nonempty, the
// command's standard output is streamed to that path.
func RunTool(ctx context.Context, r Runner, cb external.CommandBuilder, stdout string) (Output, error) {
	args, err := Args(cb)
	if err != nil {
		return Output{}, err
	}
	log.Debug.Printf("running: %s", strings.Join(args, " "))
	return r.Run(ctx, Cmd{Args: args, Stdout: stdout})
}
