package pipeline

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dgryski/go-farm"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/popgen/demography"
	"github.com/grailbio/popgen/inference"
	"github.com/grailbio/popgen/plot"
	"github.com/grailbio/popgen/sfs"
	"github.com/grailbio/popgen/spectrum"
	"github.com/grailbio/popgen/taskgraph"
)

// OptimizeBatch runs one batch of optimizer restarts for a unit, writes the
// ranked results and plots the best fit against the data.
type OptimizeBatch struct {
	env   *Env
	Unit  inference.Unit
	Batch int
}

func (t *OptimizeBatch) ID() taskgraph.ID {
	return taskgraph.NewID("OptimizeBatch", t.Unit.Group, t.Unit, t.Batch)
}

func (t *OptimizeBatch) joint() *JointSpectrum {
	return &JointSpectrum{env: t.env, Group: t.Unit.Group, Pop1: t.Unit.Pop1, Pop2: t.Unit.Pop2}
}

func (t *OptimizeBatch) Requires() []taskgraph.Task { return []taskgraph.Task{t.joint()} }

func (t *OptimizeBatch) Outputs() []string {
	return []string{t.env.Layout.Batch(t.Unit, t.Batch), t.env.Layout.Plot(t.Unit, t.Batch)}
}

// seed derives the random seed of the batch from its identity, so that
// batches of a unit explore different starting points and a rerun repeats
// them.
func (t *OptimizeBatch) seed() int64 {
	return int64(farm.Hash64([]byte(fmt.Sprintf("%s/%s.%d", t.Unit.Group, t.Unit, t.Batch))) >> 1)
}

// problem assembles the fit of the unit against data.
func (e *Env) problem(u inference.Unit, data *spectrum.Spectrum) (inference.Problem, error) {
	m, err := demography.Lookup(u.Model)
	if err != nil {
		return inference.Problem{}, err
	}
	s, ok := e.Config.Scenario(u.Scenario)
	if !ok {
		return inference.Problem{}, errors.E(errors.NotExist, "unknown scenario", u.Scenario)
	}
	lower, upper := s.Bounds(m)
	return inference.Problem{
		Unit:  u,
		Data:  data,
		Model: m.WithEvaluator(e.evaluator()),
		Lower: lower,
		Upper: upper,
		Fixed: s.Fixed,
		Grid:  e.Config.Optimize().Grid,
	}, nil
}

func (t *OptimizeBatch) Run(ctx context.Context) error {
	var (
		fsPath   = t.joint().Outputs()[0]
		rioPath  = t.env.Layout.Batch(t.Unit, t.Batch)
		plotPath = t.env.Layout.Plot(t.Unit, t.Batch)
	)
	return t.env.run(ctx, t.Outputs(), func() error {
		data, err := spectrum.ReadFile(ctx, fsPath)
		if err != nil {
			return err
		}
		p, err := t.env.problem(t.Unit, data)
		if err != nil {
			return err
		}
		o := t.env.Config.Optimize()
		ranked, err := inference.Optimize(ctx, p, inference.Opts{
			Iterations: o.Iterations,
			Fold:       o.Fold,
			MaxResults: o.MaxResults,
			Seed:       t.seed(),
			Optimizer:  t.env.Optimizer,
		})
		if err != nil {
			return err
		}
		if err := inference.WriteRankedPath(ctx, rioPath, ranked); err != nil {
			return err
		}
		best, _ := ranked.Best()
		log.Printf("%s batch %d: best log-likelihood %g at %v", t.Unit, t.Batch, best.LogLikelihood, best.Params)
		model, err := inference.ModelSpectrum(ctx, p, best.Params)
		if err != nil {
			return errors.E(err, "plot", t.Unit.String())
		}
		return plot.Comparison(ctx, plotPath, data, model, fmt.Sprintf("%s batch %d", t.Unit, t.Batch))
	})
}

// ScenarioSummary merges the batches of a unit into one ranked CSV file and
// reports its best fit in absolute units.
type ScenarioSummary struct {
	env  *Env
	Unit inference.Unit
}

func (t *ScenarioSummary) ID() taskgraph.ID {
	return taskgraph.NewID("ScenarioSummary", t.Unit.Group, t.Unit)
}

func (t *ScenarioSummary) batches() []*OptimizeBatch {
	n := t.env.Config.Optimize().Batches
	b := make([]*OptimizeBatch, n)
	for i := range b {
		b[i] = &OptimizeBatch{env: t.env, Unit: t.Unit, Batch: i}
	}
	return b
}

func (t *ScenarioSummary) Requires() []taskgraph.Task {
	deps := []taskgraph.Task{&SiteFrequencySpectrum{env: t.env, Group: t.Unit.Group}}
	for _, b := range t.batches() {
		deps = append(deps, b)
	}
	return deps
}

func (t *ScenarioSummary) Outputs() []string {
	return []string{t.env.Layout.CSV(t.Unit), t.env.Layout.Summary(t.Unit)}
}

func (t *ScenarioSummary) Run(ctx context.Context) error {
	batches := t.batches()
	lists := make([]*inference.Ranked, len(batches))
	return t.env.run(ctx, t.Outputs(), func() error {
		err := traverse.Each(len(batches), func(i int) error {
			var err error
			lists[i], err = inference.ReadRankedPath(ctx, t.env.Layout.Batch(t.Unit, batches[i].Batch))
			return err
		})
		if err != nil {
			return err
		}
		merged, err := inference.MergeRanked(t.env.Config.Optimize().MaxResults, lists...)
		if err != nil {
			return err
		}
		if err := create(ctx, t.env.Layout.CSV(t.Unit), func(w io.Writer) error {
			return inference.WriteCSV(w, merged)
		}); err != nil {
			return err
		}
		data, _, _, err := sfs.ReadDataPath(ctx, t.env.Layout.Data(t.Unit.Group))
		if err != nil {
			return err
		}
		rows, err := t.summarize(merged, float64(data.Len()))
		if err != nil {
			return err
		}
		return create(ctx, t.env.Layout.Summary(t.Unit), func(w io.Writer) error {
			return writeSummary(w, rows)
		})
	})
}

type summaryRow struct {
	Quantity, Value, Absolute, Unit string
}

func writeSummary(w io.Writer, rows []summaryRow) error {
	out := tsv.NewWriter(w)
	out.WriteString("quantity")
	out.WriteString("value")
	out.WriteString("absolute")
	out.WriteString("unit")
	if err := out.EndLine(); err != nil {
		return err
	}
	for _, r := range rows {
		out.WriteString(r.Quantity)
		out.WriteString(r.Value)
		out.WriteString(r.Absolute)
		out.WriteString(r.Unit)
		if err := out.EndLine(); err != nil {
			return err
		}
	}
	return out.Flush()
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', 6, 64) }

// summarize converts the best fit of r to absolute units: population sizes
// in individuals, times in generations, and migration rates per
// generation. length is the number of sites the spectrum was built from.
func (t *ScenarioSummary) summarize(r *inference.Ranked, length float64) ([]summaryRow, error) {
	best, ok := r.Best()
	if !ok {
		return nil, errors.E(errors.Invalid, "no results", t.Unit.String())
	}
	m, err := demography.Lookup(t.Unit.Model)
	if err != nil {
		return nil, err
	}
	sc, err := m.Scale(best.Theta, best.Params, t.env.Config.Optimize().Mu, length)
	if err != nil {
		return nil, err
	}
	rows := []summaryRow{
		{Quantity: "log_likelihood", Value: formatFloat(best.LogLikelihood), Absolute: "-", Unit: "-"},
		{Quantity: "theta", Value: formatFloat(best.Theta), Absolute: formatFloat(sc.Ne), Unit: "Ne"},
		{Quantity: "length", Value: formatFloat(length), Absolute: formatFloat(sc.Mu), Unit: "mu"},
	}
	for i, name := range m.Params {
		p := best.Params[i]
		row := summaryRow{Quantity: name, Value: formatFloat(p), Absolute: "-", Unit: "-"}
		if v, ok := sc.Sizes[name]; ok {
			row.Absolute, row.Unit = formatFloat(v), "individuals"
		} else if v, ok := sc.Generations[name]; ok {
			row.Absolute, row.Unit = formatFloat(v), "generations"
		} else if strings.HasPrefix(name, "m") && sc.Ne > 0 {
			row.Absolute, row.Unit = formatFloat(p/(2*sc.Ne)), "per generation"
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// create writes path with fn, discarding the file when fn fails.
func create(ctx context.Context, path string, fn func(w io.Writer) error) error {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	if err := fn(out.Writer(ctx)); err != nil {
		out.Discard(ctx)
		return errors.E(err, path)
	}
	return out.Close(ctx)
}
