// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/popgen/config"
	"github.com/grailbio/popgen/inference"
	"github.com/grailbio/popgen/pipeline"
	"github.com/grailbio/popgen/taskgraph"
	"v.io/x/lib/cmdline"
)

// engineFlags are shared by the subcommands that execute pipeline stages.
type engineFlags struct {
	config      *string
	maxCPU      *int
	parallelism *int
	validate    *bool
}

func newEngineFlags(cmd *cmdline.Command) engineFlags {
	return engineFlags{
		config:      cmd.Flags.String("config", "", "Pipeline configuration file (YAML)"),
		maxCPU:      cmd.Flags.Int("max-cpu", 0, "CPU budget shared by running stages; 0 means the configured max_cpu, else half the cores"),
		parallelism: cmd.Flags.Int("parallelism", 0, "Maximum number of stages running at once; 0 means the number of cores"),
		validate:    cmd.Flags.Bool("validate", false, "Validate the content of existing outputs and redo stages whose outputs fail"),
	}
}

// execute loads the configuration and runs the stage returned by root, with
// its requirements.
func (f engineFlags) execute(ctx context.Context, w io.Writer, root func(env *pipeline.Env) (taskgraph.Task, error)) error {
	if *f.config == "" {
		return fmt.Errorf("-config is required")
	}
	c, err := config.Load(ctx, *f.config)
	if err != nil {
		return err
	}
	opts := taskgraph.Opts{MaxCPU: *f.maxCPU, Parallelism: *f.parallelism}
	if opts.MaxCPU <= 0 {
		opts.MaxCPU = c.MaxCPU()
	}
	engine := taskgraph.NewEngine(opts)
	env := pipeline.NewEnv(c, nil)
	env.MaxCPU = engine.Opts().MaxCPU
	task, err := root(env)
	if err != nil {
		return err
	}
	log.Printf("running %v in %s with %d CPUs", task.ID(), c.WorkDir(), engine.Opts().MaxCPU)
	report, err := engine.Execute(ctx, taskgraph.BuildOpts{Validate: *f.validate}, task)
	if report != nil {
		printReport(w, report)
	}
	return err
}

func printReport(w io.Writer, r *taskgraph.Report) {
	for _, n := range r.Nodes {
		switch n.State {
		case taskgraph.Failed:
			fmt.Fprintf(w, "%v\tfailed\t%v\n", n.ID, n.Err)
		case taskgraph.Cancelled:
			fmt.Fprintf(w, "%v\tcancelled\n", n.ID)
		case taskgraph.Done:
			fmt.Fprintf(w, "%v\tdone\t%v\n", n.ID, n.Duration)
		}
	}
	fmt.Fprintln(w, r)
}

func newCmdRun() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "run",
		Short: "Run the whole pipeline",
		Long: `
Run builds every configured output: the allele count table of each group,
the joint spectrum of each pair, and the fitted models of every
(pair, model, scenario) unit. A summary of the executed stages is printed;
the exit status is nonzero if any stage failed.`,
	}
	flags := newEngineFlags(cmd)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return env.UsageErrorf("run takes no arguments, but got %v", argv)
		}
		return flags.execute(vcontext.Background(), env.Stdout, func(e *pipeline.Env) (taskgraph.Task, error) {
			return e.Pipeline(), nil
		})
	})
	return cmd
}

func newCmdSFS() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "sfs",
		Short: "Run the pipeline up to the allele count table of a group",
	}
	flags := newEngineFlags(cmd)
	group := cmd.Flags.String("group", "", "Population group")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return env.UsageErrorf("sfs takes no arguments, but got %v", argv)
		}
		return flags.execute(vcontext.Background(), env.Stdout, func(e *pipeline.Env) (taskgraph.Task, error) {
			return e.Group(*group)
		})
	})
	return cmd
}

func newCmdOptimize() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "optimize",
		Short: "Run the pipeline up to the fitted models of one unit",
	}
	flags := newEngineFlags(cmd)
	var u inference.Unit
	cmd.Flags.StringVar(&u.Group, "group", "", "Population group")
	cmd.Flags.StringVar(&u.Pop1, "pop1", "", "First population of the pair")
	cmd.Flags.StringVar(&u.Pop2, "pop2", "", "Second population of the pair")
	cmd.Flags.StringVar(&u.Model, "model", "", "Demographic model")
	cmd.Flags.StringVar(&u.Scenario, "scenario", "free", "Scenario")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return env.UsageErrorf("optimize takes no arguments, but got %v", argv)
		}
		return flags.execute(vcontext.Background(), env.Stdout, func(e *pipeline.Env) (taskgraph.Task, error) {
			return e.Unit(u)
		})
	})
	return cmd
}
