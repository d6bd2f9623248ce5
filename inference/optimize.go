// Package inference fits demographic models to joint frequency spectra. It
// runs a restart loop around a local optimizer: each iteration perturbs the
// best parameters found so far, optimizes from there, and keeps the result
// in a ranked list unless the model evaluation was degenerate.
package inference

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/popgen/demography"
	"github.com/grailbio/popgen/spectrum"
	"gonum.org/v1/gonum/optimize"
)

// ErrNoValidParams is matched by the error Optimize returns when no
// iteration produced a valid result.
var ErrNoValidParams = errors.New("no valid parameters found")

// NoValidParamsError reports the unit that could not be fitted.
type NoValidParamsError struct {
	Unit       Unit
	Iterations int
	// Err is the last evaluation error, if any iteration failed with one.
	Err error
}

// Error implements error.
func (e *NoValidParamsError) Error() string {
	msg := fmt.Sprintf("%v: %s after %d iterations", ErrNoValidParams, e.Unit, e.Iterations)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is ErrNoValidParams.
func (e *NoValidParamsError) Is(target error) bool { return target == ErrNoValidParams }

// Objective is minimized by an Optimizer: the negative log-likelihood of
// the data at a parameter vector.
type Objective func(params []float64) float64

// Optimizer finds a local minimum of f starting at p0.
type Optimizer interface {
	Minimize(ctx context.Context, f Objective, p0, lower, upper []float64) ([]float64, error)
}

// NelderMead is the default Optimizer: the Nelder-Mead simplex method run
// on the logarithm of the parameters. The result is clipped to the bounds.
type NelderMead struct {
	// MaxIter bounds the number of simplex iterations. Zero means 1000.
	MaxIter int
}

// minPositive replaces non-positive parameters before taking logarithms.
const minPositive = 1e-12

// Minimize implements Optimizer.
func (nm NelderMead) Minimize(ctx context.Context, f Objective, p0, lower, upper []float64) ([]float64, error) {
	maxIter := nm.MaxIter
	if maxIter <= 0 {
		maxIter = 1000
	}
	x0 := make([]float64, len(p0))
	for i, p := range p0 {
		x0[i] = math.Log(math.Max(p, minPositive))
	}
	p := make([]float64, len(p0))
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			if ctx.Err() != nil {
				return outOfBounds
			}
			for i := range x {
				p[i] = math.Exp(x[i])
			}
			return f(p)
		},
	}
	settings := &optimize.Settings{
		MajorIterations: maxIter,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-8,
			Relative:   1e-8,
			Iterations: 50,
		},
	}
	result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.E(err, "inference: nelder-mead")
	}
	if err != nil {
		log.Debug.Printf("inference: nelder-mead stopped with status %v: %v", result.Status, err)
	}
	popt := make([]float64, len(result.X))
	for i, x := range result.X {
		popt[i] = clip(math.Exp(x), lower[i], upper[i])
	}
	return popt, nil
}

// outOfBounds is the objective value of parameters outside the bounds or
// of degenerate model evaluations.
const outOfBounds = 1e8

// Problem describes one model fit.
type Problem struct {
	Unit  Unit
	Data  *spectrum.Spectrum
	Model demography.Model
	// Lower and Upper bound the parameters. Nil means the model defaults.
	Lower, Upper []float64
	// Fixed holds parameters that are not optimized, by name.
	Fixed map[string]float64
	// Grid are the grid sizes the model is evaluated at.
	Grid []int
}

// Opts controls Optimize.
type Opts struct {
	// Iterations is the number of optimizer restarts.
	Iterations int
	// Fold scales the perturbation of starting points: each parameter is
	// multiplied by 2^(Fold·u) for u uniform in (-1, 1).
	Fold float64
	// MaxResults bounds the ranked list. Zero means unbounded.
	MaxResults int
	// Seed seeds the random source. Zero means a time-based seed.
	Seed int64
	// Optimizer is the local optimizer. Nil means NelderMead{}.
	Optimizer Optimizer
}

// DefaultOpts are the default optimization options.
var DefaultOpts = Opts{
	Iterations: 10,
	Fold:       1,
	MaxResults: 100,
}

type fit struct {
	Problem
	lower, upper []float64
	fixed        []bool
	fixedValues  []float64
	free         []int
	ns           [2]int
}

func newFit(p Problem) (*fit, error) {
	if p.Data == nil {
		return nil, errors.E(errors.Invalid, "inference: no data spectrum")
	}
	n := len(p.Model.Params)
	f := &fit{
		Problem:     p,
		lower:       p.Lower,
		upper:       p.Upper,
		fixed:       make([]bool, n),
		fixedValues: make([]float64, n),
	}
	if f.lower == nil {
		f.lower = p.Model.Lower
	}
	if f.upper == nil {
		f.upper = p.Model.Upper
	}
	if len(f.lower) != n || len(f.upper) != n {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("inference: %s: bounds for %d params, want %d", p.Unit, len(f.lower), n))
	}
	for i := range f.lower {
		if !(f.lower[i] <= f.upper[i]) || f.lower[i] < 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("inference: %s: bad bounds [%g, %g] for %s", p.Unit, f.lower[i], f.upper[i], p.Model.Params[i]))
		}
	}
	for name, v := range p.Fixed {
		i := p.Model.Index(name)
		if i < 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("inference: %s: model %s has no parameter %s", p.Unit, p.Model.Name, name))
		}
		f.fixed[i], f.fixedValues[i] = true, v
	}
	for i := range f.fixed {
		if !f.fixed[i] {
			f.free = append(f.free, i)
		}
	}
	f.ns[0], f.ns[1] = p.Data.SampleSizes()
	return f, nil
}

// random draws a vector uniformly within the bounds.
func (f *fit) random(rng *rand.Rand) []float64 {
	p := make([]float64, len(f.lower))
	for i := range p {
		p[i] = f.lower[i] + rng.Float64()*(f.upper[i]-f.lower[i])
	}
	return f.pin(p)
}

// perturb multiplies each free parameter by 2^(fold·u), u uniform in
// (-1, 1), and clips the result to the bounds.
func (f *fit) perturb(rng *rand.Rand, p []float64, fold float64) []float64 {
	q := make([]float64, len(p))
	for i := range p {
		q[i] = clip(p[i]*math.Pow(2, fold*(2*rng.Float64()-1)), f.lower[i], f.upper[i])
	}
	return f.pin(q)
}

// pin overrides the fixed positions of p.
func (f *fit) pin(p []float64) []float64 {
	for i, fixed := range f.fixed {
		if fixed {
			p[i] = f.fixedValues[i]
		}
	}
	return p
}

func (f *fit) full(free []float64) []float64 {
	p := append([]float64(nil), f.fixedValues...)
	for k, i := range f.free {
		p[i] = free[k]
	}
	return p
}

// pick returns the free positions of v.
func (f *fit) pick(v []float64) []float64 {
	out := make([]float64, len(f.free))
	for k, i := range f.free {
		out[k] = v[i]
	}
	return out
}

func (f *fit) inBounds(p []float64) bool {
	for _, i := range f.free {
		if p[i] < f.lower[i] || p[i] > f.upper[i] {
			return false
		}
	}
	return true
}

// evaluate returns the checked evaluation of p and its fit to the data.
func (f *fit) evaluate(ctx context.Context, p []float64) (demography.Evaluation, Result, error) {
	ev, err := f.Model.Evaluate(ctx, p, f.ns, f.Grid)
	if err != nil {
		return ev, Result{}, err
	}
	ev.Check(f.Data)
	if !ev.Valid {
		return ev, Result{}, nil
	}
	ll, theta := spectrum.LLMultinom(ev.Spectrum, f.Data)
	return ev, Result{LogLikelihood: ll, Theta: theta, Params: p}, nil
}

// ModelSpectrum evaluates p.Model at params and scales it to the data by
// the optimal theta. It fails if the evaluation is degenerate.
func ModelSpectrum(ctx context.Context, p Problem, params []float64) (*spectrum.Spectrum, error) {
	f, err := newFit(p)
	if err != nil {
		return nil, err
	}
	ev, res, err := f.evaluate(ctx, params)
	if err != nil {
		return nil, err
	}
	if !ev.Valid {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("inference: %s: model at %v: %s", p.Unit, params, ev.Diagnostic))
	}
	m := ev.Spectrum.Scale(res.Theta)
	m.Pops = p.Data.Pops
	return m, nil
}

// attempt optimizes from p0 and evaluates the optimum.
func (f *fit) attempt(ctx context.Context, opt Optimizer, p0 []float64) (Result, bool, error) {
	popt := p0
	if len(f.free) > 0 {
		var evalErr error
		objective := func(free []float64) float64 {
			p := f.full(free)
			if !f.inBounds(p) || evalErr != nil {
				return outOfBounds
			}
			_, res, err := f.evaluate(ctx, p)
			if err != nil {
				evalErr = err
				return outOfBounds
			}
			if res.Params == nil || math.IsNaN(res.LogLikelihood) || math.IsInf(res.LogLikelihood, 0) {
				return outOfBounds
			}
			return -res.LogLikelihood
		}
		free, err := opt.Minimize(ctx, objective, f.pick(p0), f.pick(f.lower), f.pick(f.upper))
		if err != nil {
			return Result{}, false, err
		}
		if evalErr != nil {
			return Result{}, false, evalErr
		}
		popt = f.full(free)
	}
	ev, res, err := f.evaluate(ctx, popt)
	if err != nil {
		return Result{}, false, err
	}
	if !ev.Valid {
		log.Printf("inference: %s: discarding %v: %s", f.Unit, popt, ev.Diagnostic)
		return Result{}, false, nil
	}
	if math.IsNaN(res.LogLikelihood) || math.IsInf(res.LogLikelihood, 0) {
		log.Printf("inference: %s: discarding %v: log-likelihood %v", f.Unit, popt, res.LogLikelihood)
		return Result{}, false, nil
	}
	return res, true, nil
}

// Optimize fits p.Model to p.Data. Each of opts.Iterations iterations
// perturbs the best parameters found so far, or a random vector within the
// bounds while there are none, pins the fixed parameters, runs the
// optimizer and evaluates its optimum. Degenerate evaluations are
// discarded, as are iterations whose evaluation fails; the loop continues
// with the next iteration. If no iteration yields a valid result, Optimize
// returns a *NoValidParamsError.
func Optimize(ctx context.Context, p Problem, opts Opts) (*Ranked, error) {
	f, err := newFit(p)
	if err != nil {
		return nil, err
	}
	if opts.Iterations <= 0 {
		opts.Iterations = DefaultOpts.Iterations
	}
	if opts.Fold <= 0 {
		opts.Fold = DefaultOpts.Fold
	}
	opt := opts.Optimizer
	if opt == nil {
		opt = NelderMead{}
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	ranked := NewRanked(p.Unit, p.Model.Params, opts.MaxResults)
	var lastErr error
	for it := 0; it < opts.Iterations; it++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var start []float64
		if best, ok := ranked.Best(); ok {
			start = best.Params
		} else {
			start = f.random(rng)
		}
		p0 := f.perturb(rng, start, opts.Fold)
		res, ok, err := f.attempt(ctx, opt, p0)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Error.Printf("inference: %s: iteration %d from %v: %v", p.Unit, it, p0, err)
			lastErr = err
			continue
		}
		if !ok {
			continue
		}
		ranked.Insert(res)
		log.Printf("inference: %s: iteration %d: ll=%g theta=%g params=%v", p.Unit, it, res.LogLikelihood, res.Theta, res.Params)
	}
	if ranked.Len() == 0 {
		return nil, &NoValidParamsError{Unit: p.Unit, Iterations: opts.Iterations, Err: lastErr}
	}
	return ranked, nil
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
