// Package demography defines the two-population demographic models that can
// be fitted to a joint frequency spectrum. The set of models is closed: each
// is registered under the name used in pipeline configurations and is
// looked up with Lookup. Model spectra are computed by an external numerical
// library behind an Evaluator, normally a Bridge process.
package demography

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/popgen/spectrum"
)

// DefaultGrid is the set of grid sizes a model is evaluated at before
// extrapolating to an infinitely fine grid.
var DefaultGrid = []int{10, 50, 60}

// ErrUnknownModel is matched by the error Lookup returns for a name that is
// not registered.
var ErrUnknownModel = errors.New("unknown demographic model")

// UnknownModelError names the model that was not found.
type UnknownModelError struct {
	Name string
}

// Error implements error.
func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("%v %q (known: %s)", ErrUnknownModel, e.Name, strings.Join(Names(), ", "))
}

// Is reports whether target is ErrUnknownModel.
func (e *UnknownModelError) Is(target error) bool { return target == ErrUnknownModel }

// Model is a parameterized demographic model. Parameters are in the usual
// scaled units: population sizes relative to the ancestral size, times in
// units of 2·Na generations and migration rates as 2·Na·m.
type Model struct {
	Name string
	// Params names the parameters, in vector order.
	Params []string
	// Lower and Upper are the default optimization bounds.
	Lower, Upper []float64
	// Doc is a one-line description.
	Doc string

	eval Evaluator
}

var registry = map[string]Model{}

func register(m Model) {
	if len(m.Params) != len(m.Lower) || len(m.Params) != len(m.Upper) {
		panic(fmt.Sprintf("demography: %s: %d params, %d lower, %d upper bounds",
			m.Name, len(m.Params), len(m.Lower), len(m.Upper)))
	}
	registry[m.Name] = m
}

func init() {
	register(Model{
		Name:   "split_mig",
		Params: []string{"nu1", "nu2", "T", "m"},
		Lower:  []float64{1e-4, 1e-4, 0, 0},
		Upper:  []float64{100, 100, 3, 10},
		Doc:    "split into two populations of constant size with symmetric migration",
	})
	register(Model{
		Name:   "split_no_mig",
		Params: []string{"nu1", "nu2", "T"},
		Lower:  []float64{1e-4, 1e-4, 0},
		Upper:  []float64{100, 100, 3},
		Doc:    "split into two populations of constant size without migration",
	})
	register(Model{
		Name:   "split_asym_mig",
		Params: []string{"nu1", "nu2", "T", "m12", "m21"},
		Lower:  []float64{1e-4, 1e-4, 0, 0, 0},
		Upper:  []float64{100, 100, 3, 10, 10},
		Doc:    "split into two populations of constant size with asymmetric migration",
	})
	register(Model{
		Name:   "IM",
		Params: []string{"s", "nu1", "nu2", "T", "m12", "m21"},
		Lower:  []float64{0, 1e-2, 1e-2, 0, 0, 0},
		Upper:  []float64{1, 100, 100, 10, 3, 3},
		Doc:    "isolation with migration: split with fraction s, exponential growth, asymmetric migration",
	})
	register(Model{
		Name:   "bottlegrowth_split_mig",
		Params: []string{"nuB", "nuF", "m", "T", "Ts"},
		Lower:  []float64{1e-2, 1e-2, 0, 0, 0},
		Upper:  []float64{100, 100, 10, 3, 3},
		Doc:    "instantaneous bottleneck followed by exponential growth, then a split with symmetric migration",
	})
}

// Names returns the registered model names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the model registered under name. The model evaluates
// through a local Bridge unless WithEvaluator replaces it.
func Lookup(name string) (Model, error) {
	m, ok := registry[name]
	if !ok {
		return Model{}, &UnknownModelError{Name: name}
	}
	m.Params = append([]string(nil), m.Params...)
	m.Lower = append([]float64(nil), m.Lower...)
	m.Upper = append([]float64(nil), m.Upper...)
	return m, nil
}

// WithEvaluator returns a copy of m that computes spectra with e.
func (m Model) WithEvaluator(e Evaluator) Model {
	m.eval = e
	return m
}

// Index returns the position of the named parameter, or -1.
func (m Model) Index(param string) int {
	for i, p := range m.Params {
		if p == param {
			return i
		}
	}
	return -1
}

// Evaluation is the outcome of evaluating a model. An invalid evaluation
// carries a spectrum that must not be used for inference, for example
// because the numerical solution collapsed; Diagnostic says why.
type Evaluation struct {
	Spectrum   *spectrum.Spectrum
	Valid      bool
	Diagnostic string
}

func (e *Evaluation) invalidate(format string, args ...interface{}) {
	e.Valid = false
	msg := fmt.Sprintf(format, args...)
	if e.Diagnostic != "" {
		msg = e.Diagnostic + "; " + msg
	}
	e.Diagnostic = msg
}

// Check invalidates e when its spectrum cannot be compared with data.
func (e *Evaluation) Check(data *spectrum.Spectrum) {
	if e.Spectrum == nil {
		e.invalidate("no spectrum")
		return
	}
	if err := spectrum.Validate(e.Spectrum, data); err != nil {
		e.invalidate("%v", err)
	}
}

// Evaluate computes the expected spectrum of m for theta = 1 at parameters
// params, for samples of ns chromosomes, extrapolated from the given grid
// sizes (DefaultGrid when empty). An error means the model could not be
// evaluated at all; a degenerate result is reported through
// Evaluation.Valid instead.
func (m Model) Evaluate(ctx context.Context, params []float64, ns [2]int, pts []int) (Evaluation, error) {
	if len(params) != len(m.Params) {
		return Evaluation{}, errors.E(errors.Invalid,
			fmt.Sprintf("demography: %s takes %d parameters (%s), got %d", m.Name, len(m.Params), strings.Join(m.Params, ", "), len(params)))
	}
	for i, p := range params {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return Evaluation{}, errors.E(errors.Invalid, fmt.Sprintf("demography: %s: parameter %s is %v", m.Name, m.Params[i], p))
		}
	}
	if ns[0] < 1 || ns[1] < 1 {
		return Evaluation{}, errors.E(errors.Invalid, fmt.Sprintf("demography: sample sizes %v", ns))
	}
	if len(pts) == 0 {
		pts = DefaultGrid
	}
	eval := m.eval
	if eval == nil {
		eval = &Bridge{}
	}
	resp, err := eval.Evaluate(ctx, Request{
		Model:       m.Name,
		Params:      params,
		SampleSizes: ns,
		Grid:        pts,
	})
	if err != nil {
		return Evaluation{}, errors.E(err, "demography: evaluate", m.Name)
	}
	values := make([]float64, len(resp.Values))
	for i, v := range resp.Values {
		if v == nil {
			values[i] = math.NaN()
		} else {
			values[i] = *v
		}
	}
	s, err := spectrum.FromValues(ns[0], ns[1], values)
	if err != nil {
		return Evaluation{}, errors.E(err, "demography: evaluate", m.Name)
	}
	if len(resp.Mask) > 0 {
		if len(resp.Mask) != len(values) {
			return Evaluation{}, errors.E(fmt.Sprintf("demography: %s: %d mask entries for %d values", m.Name, len(resp.Mask), len(values)))
		}
		copy(s.Mask(), resp.Mask)
	}
	ev := Evaluation{Spectrum: s, Valid: true}
	if resp.Masked {
		ev.invalidate("%s", nonEmpty(resp.Warning, "model spectrum is masked"))
	} else if resp.Warning != "" {
		ev.Diagnostic = resp.Warning
	}
	mask := s.Mask()
	for i, v := range s.Values() {
		if mask[i] {
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			ev.invalidate("entry %d is %v", i, v)
			break
		}
	}
	return ev, nil
}

func nonEmpty(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Scaled holds demographic quantities in absolute units.
type Scaled struct {
	// Mu is the mutation rate per site per generation.
	Mu float64
	// Length is the number of sites the spectrum was computed from.
	Length float64
	// Ne is the effective size of the ancestral population.
	Ne float64
	// Sizes maps each size parameter (nu1, nu2, ...) to an effective size.
	Sizes map[string]float64
	// Generations maps each time parameter (T, Ts, ...) to a number of
	// generations.
	Generations map[string]float64
}

// DefaultMu is the default mutation rate per site per generation.
const DefaultMu = 1.74e-9

// Scale converts the scaled parameters of a fit with the given theta to
// absolute units, using theta = 4·Ne·mu·length. Sizes are nu·Ne and times
// are T·2·Ne generations. Mu and length default to DefaultMu and 1.
func (m Model) Scale(theta float64, params []float64, mu, length float64) (Scaled, error) {
	if len(params) != len(m.Params) {
		return Scaled{}, errors.E(errors.Invalid, fmt.Sprintf("demography: %s takes %d parameters, got %d", m.Name, len(m.Params), len(params)))
	}
	if mu <= 0 {
		mu = DefaultMu
	}
	if length <= 0 {
		length = 1
	}
	ne := theta / (4 * mu * length)
	sc := Scaled{
		Mu:          mu,
		Length:      length,
		Ne:          ne,
		Sizes:       make(map[string]float64),
		Generations: make(map[string]float64),
	}
	for i, name := range m.Params {
		switch {
		case strings.HasPrefix(name, "nu"):
			sc.Sizes[name] = params[i] * ne
		case strings.HasPrefix(name, "T"):
			sc.Generations[name] = params[i] * 2 * ne
		}
	}
	return sc, nil
}
