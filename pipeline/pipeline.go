// Package pipeline defines the stages that take sequencing reads to fitted
// demographic models: download and index the reference, align and
// deduplicate each sample, call variants per population, build the allele
// count table and the joint spectra, and fit every configured model.
//
// Every stage is a taskgraph.Task. Stages are constructed from an Env that
// carries the immutable configuration and the tool runner; their outputs
// live at fixed paths under the configured work directory, so a stage whose
// outputs exist is not run again.
package pipeline

import (
	"context"
	"os"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/popgen/config"
	"github.com/grailbio/popgen/demography"
	"github.com/grailbio/popgen/inference"
	"github.com/grailbio/popgen/taskgraph"
	"github.com/grailbio/popgen/toolexec"
)

// Env is shared by all stages of one pipeline.
type Env struct {
	// Config is the pipeline configuration.
	Config *config.Config
	// Runner runs external tools.
	Runner toolexec.Runner
	// LookPath resolves the first installed program among candidates. It is
	// used to pick a decompressor.
	LookPath func(candidates ...string) (string, error)
	// Evaluator computes model spectra. Nil means a demography.Bridge
	// running the configured bridge program with Runner.
	Evaluator demography.Evaluator
	// Optimizer is the local optimizer of model fits. Nil means
	// inference.NelderMead.
	Optimizer inference.Optimizer
	// Layout places artifacts under the work directory.
	Layout Layout
	// MaxCPU, if positive, is the CPU budget of the engine running the
	// stages. No tool is given more threads than this.
	MaxCPU int
}

// NewEnv returns the environment for c. Tools are run with r, or as local
// processes when r is nil.
func NewEnv(c *config.Config, r toolexec.Runner) *Env {
	if r == nil {
		r = toolexec.Local{}
	}
	return &Env{
		Config:   c,
		Runner:   r,
		LookPath: toolexec.LookPath,
		Layout:   Layout{Root: c.WorkDir()},
	}
}

// threads is the CPU count handed to multithreaded tools: the configured
// max_cpu, capped by the engine budget.
func (e *Env) threads() int {
	n := e.Config.MaxCPU()
	if n <= 0 {
		n = taskgraph.DefaultMaxCPU()
	}
	if e.MaxCPU > 0 && e.MaxCPU < n {
		n = e.MaxCPU
	}
	return n
}

func (e *Env) evaluator() demography.Evaluator {
	if e.Evaluator != nil {
		return e.Evaluator
	}
	return &demography.Bridge{Runner: e.Runner, Program: e.Config.Tools().DadiBridge}
}

// run prepares the directories of outputs and calls fn. When fn fails,
// whatever it left of outputs is removed.
func (e *Env) run(ctx context.Context, outputs []string, fn func() error) error {
	for _, path := range outputs {
		if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
			return errors.E(err, "mkdir", filepath.Dir(path))
		}
	}
	if err := fn(); err != nil {
		remove(ctx, outputs...)
		return err
	}
	return nil
}

// remove deletes paths, ignoring those that do not exist.
func remove(ctx context.Context, paths ...string) {
	for _, path := range paths {
		if err := file.Remove(ctx, path); err != nil && !errors.Is(errors.NotExist, err) && !os.IsNotExist(err) {
			log.Error.Printf("remove %s: %v", path, err)
		}
	}
}

// Group returns the task that produces the allele count table of group.
func (e *Env) Group(group string) (taskgraph.Task, error) {
	if _, ok := e.Config.Group(group); !ok {
		return nil, errors.E(errors.NotExist, "unknown group", group)
	}
	return &SiteFrequencySpectrum{env: e, Group: group}, nil
}

// Unit returns the task that fits u and summarizes its results.
func (e *Env) Unit(u inference.Unit) (taskgraph.Task, error) {
	for _, known := range e.Config.Units() {
		if known == u {
			return &ScenarioSummary{env: e, Unit: u}, nil
		}
	}
	return nil, errors.E(errors.NotExist, "unit is not configured", u.String())
}

// Pipeline returns the root of the whole pipeline: the summaries of every
// configured unit, or the allele count tables of every group when no pairs
// are configured.
func (e *Env) Pipeline() taskgraph.Task {
	var tasks []taskgraph.Task
	for _, u := range e.Config.Units() {
		tasks = append(tasks, &ScenarioSummary{env: e, Unit: u})
	}
	if len(tasks) == 0 {
		for _, g := range e.Config.Groups() {
			tasks = append(tasks, &SiteFrequencySpectrum{env: e, Group: g})
		}
	}
	return &taskgraph.Wrapper{Name: "Pipeline", Tasks: tasks}
}
