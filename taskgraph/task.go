// Package taskgraph builds and executes a graph of idempotent tasks that
// produce files. A task whose outputs exist is complete and is not run
// again; its requirements are not even resolved. The remaining tasks are
// executed in dependency order by a bounded worker pool that shares a CPU
// budget.
//
// The graph is built once, explicitly, before anything runs: Build walks
// the requirements of the root tasks depth-first, merging tasks with the
// same identity into one node and rejecting cycles. Engine.Run then
// schedules the nodes. A failed node cancels its dependents only; other
// branches run to completion.
package taskgraph

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dgryski/go-farm"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/sync/multierror"
)

// ID identifies a task: a kind name and a canonical rendering of its
// parameters. Two tasks with the same ID are the same unit of work.
type ID struct {
	Kind   string
	Params string
}

// NewID returns the ID of a task of the given kind and parameters.
func NewID(kind string, params ...interface{}) ID {
	s := make([]string, len(params))
	for i, p := range params {
		s[i] = fmt.Sprint(p)
	}
	return ID{Kind: kind, Params: strings.Join(s, ",")}
}

// String implements fmt.Stringer.
func (id ID) String() string {
	return id.Kind + "(" + id.Params + ")"
}

// Task is one unit of work.
type Task interface {
	// ID returns the identity of the task.
	ID() ID
	// Requires returns the tasks whose outputs this task reads. It is
	// called at most once per task, and only when the task is incomplete.
	Requires() []Task
	// Outputs lists the files the task produces. A task is complete when
	// all of them exist.
	Outputs() []string
	// Run produces the outputs. It must not leave partial outputs behind
	// when it fails.
	Run(ctx context.Context) error
}

// Threaded is implemented by tasks that use more than one CPU.
type Threaded interface {
	// Threads returns the number of CPUs the task occupies while running.
	Threads() int
}

// Completer is implemented by tasks whose completion is not (only) the
// existence of their outputs, for example wrapper tasks without outputs of
// their own.
type Completer interface {
	Complete(ctx context.Context) (bool, error)
}

// Verifier is implemented by tasks that can validate the content of their
// outputs.
type Verifier interface {
	Verify(ctx context.Context) error
}

// ErrMissingOutput is matched by the errors returned when a task's outputs
// are missing after it ran, or when a dependency's outputs are missing
// before a task starts.
var ErrMissingOutput = errors.New("missing output")

// ErrCycle is matched by the error Build returns when task requirements
// form a cycle.
var ErrCycle = errors.New("dependency cycle")

// MissingOutputError reports the incomplete task and its missing outputs.
type MissingOutputError struct {
	ID    ID
	Paths []string
}

// Error implements error.
func (e *MissingOutputError) Error() string {
	if len(e.Paths) == 0 {
		return fmt.Sprintf("%v: %v is not complete", ErrMissingOutput, e.ID)
	}
	return fmt.Sprintf("%v: %v: %s", ErrMissingOutput, e.ID, strings.Join(e.Paths, ", "))
}

// Is reports whether target is ErrMissingOutput.
func (e *MissingOutputError) Is(target error) bool { return target == ErrMissingOutput }

// CycleError lists the identities along a dependency cycle. The first and
// last entries are the same.
type CycleError struct {
	Path []ID
}

// Error implements error.
func (e *CycleError) Error() string {
	s := make([]string, len(e.Path))
	for i, id := range e.Path {
		s[i] = id.String()
	}
	return fmt.Sprintf("%v: %s", ErrCycle, strings.Join(s, " -> "))
}

// Is reports whether target is ErrCycle.
func (e *CycleError) Is(target error) bool { return target == ErrCycle }

// FailedError is returned by Execute when tasks fail. It unwraps to the
// error of each failed task, so errors.Is and errors.As see through it.
type FailedError struct {
	// IDs are the failed tasks, in graph order, and Errs their errors.
	IDs  []ID
	Errs []error
}

// Error implements error.
func (e *FailedError) Error() string {
	errs := multierror.NewMultiError(len(e.Errs))
	for i, err := range e.Errs {
		errs.Add(errors.E(err, e.IDs[i].String()))
	}
	return errs.Error()
}

// Unwrap returns the task errors.
func (e *FailedError) Unwrap() []error { return e.Errs }

func exists(ctx context.Context, path string) (bool, error) {
	_, err := file.Stat(ctx, path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(errors.NotExist, err) || os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

// missingOutputs returns the outputs of t that do not exist.
func missingOutputs(ctx context.Context, t Task) ([]string, error) {
	var missing []string
	for _, path := range t.Outputs() {
		ok, err := exists(ctx, path)
		if err != nil {
			return nil, errors.E(err, "stat", path)
		}
		if !ok {
			missing = append(missing, path)
		}
	}
	return missing, nil
}

// Complete reports whether t is complete: t.Complete for a Completer,
// otherwise whether t has outputs and all of them exist.
func Complete(ctx context.Context, t Task) (bool, error) {
	if c, ok := t.(Completer); ok {
		return c.Complete(ctx)
	}
	if len(t.Outputs()) == 0 {
		return false, nil
	}
	missing, err := missingOutputs(ctx, t)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// checkOutputs returns an ErrMissingOutput error when t is not complete.
func checkOutputs(ctx context.Context, t Task) error {
	if c, ok := t.(Completer); ok {
		done, err := c.Complete(ctx)
		if err != nil {
			return err
		}
		if !done {
			return &MissingOutputError{ID: t.ID()}
		}
		return nil
	}
	missing, err := missingOutputs(ctx, t)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return &MissingOutputError{ID: t.ID(), Paths: missing}
	}
	return nil
}

// Wrapper is a task without outputs of its own that is complete when all
// of its requirements are complete. Wrappers with the same name but
// different tasks are distinct.
type Wrapper struct {
	Name  string
	Tasks []Task
}

// ID implements Task. Its parameter is a fingerprint of the wrapped task
// IDs.
func (w *Wrapper) ID() ID {
	ids := make([]string, len(w.Tasks))
	for i, t := range w.Tasks {
		ids[i] = t.ID().String()
	}
	return NewID(w.Name, fmt.Sprintf("%016x", farm.Fingerprint64([]byte(strings.Join(ids, "\n")))))
}

// Requires implements Task.
func (w *Wrapper) Requires() []Task { return w.Tasks }

// Outputs implements Task.
func (w *Wrapper) Outputs() []string { return nil }

// Run implements Task.
func (w *Wrapper) Run(ctx context.Context) error { return nil }

// Complete implements Completer.
func (w *Wrapper) Complete(ctx context.Context) (bool, error) {
	for _, t := range w.Tasks {
		done, err := Complete(ctx, t)
		if err != nil || !done {
			return false, err
		}
	}
	return true, nil
}
