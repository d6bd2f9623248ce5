package inference

import (
	"bytes"
	"context"
	goerrors "errors"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/grailbio/popgen/demography"
	"github.com/grailbio/popgen/spectrum"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// expModel is a stand-in for the numerical library: entry (i, j) of the
// spectrum is exp(-i/nu1 - j/nu2). Every maskEvery'th evaluation is
// reported as masked, and every evaluation fails when fail is set.
type expModel struct {
	mu        sync.Mutex
	calls     int
	maskEvery int
	fail      error
	params    [][]float64
}

func expValues(n1, n2 int, nu1, nu2 float64) []float64 {
	var v []float64
	for i := 0; i <= n1; i++ {
		for j := 0; j <= n2; j++ {
			v = append(v, math.Exp(-float64(i)/nu1-float64(j)/nu2))
		}
	}
	return v
}

func (e *expModel) Evaluate(ctx context.Context, req demography.Request) (demography.Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.params = append(e.params, append([]float64(nil), req.Params...))
	if e.fail != nil {
		return demography.Response{}, e.fail
	}
	var resp demography.Response
	for _, v := range expValues(req.SampleSizes[0], req.SampleSizes[1], req.Params[0], req.Params[1]) {
		v := v
		resp.Values = append(resp.Values, &v)
	}
	if e.maskEvery > 0 && e.calls%e.maskEvery == 0 {
		resp.Masked = true
		resp.Warning = "Extrapolation may have failed"
	}
	return resp, nil
}

var testUnit = Unit{Group: "all-pops", Pop1: "DOM", Pop2: "WLD", Model: "split_no_mig", Scenario: "free"}

func testData(t *testing.T) *spectrum.Spectrum {
	s, err := spectrum.FromValues(4, 4, expValues(4, 4, 2, 0.5))
	require.NoError(t, err)
	s = s.Scale(1000)
	s.MaskCorners()
	s.Pops = [2]string{"DOM", "WLD"}
	return s
}

func testProblem(t *testing.T, e demography.Evaluator) Problem {
	m, err := demography.Lookup("split_no_mig")
	require.NoError(t, err)
	return Problem{
		Unit:  testUnit,
		Data:  testData(t),
		Model: m.WithEvaluator(e),
		Grid:  []int{10},
	}
}

// startRecorder returns its starting point unchanged.
type startRecorder struct {
	starts [][]float64
}

func (s *startRecorder) Minimize(ctx context.Context, f Objective, p0, lower, upper []float64) ([]float64, error) {
	s.starts = append(s.starts, append([]float64(nil), p0...))
	return p0, nil
}

func TestRanked(t *testing.T) {
	r := NewRanked(testUnit, []string{"a"}, 3)
	_, ok := r.Best()
	expect.False(t, ok)
	expect.True(t, r.Insert(Result{LogLikelihood: -10, Params: []float64{1}}))
	expect.True(t, r.Insert(Result{LogLikelihood: -5, Params: []float64{2}}))
	expect.True(t, r.Insert(Result{LogLikelihood: -10, Params: []float64{3}}))
	expect.False(t, r.Insert(Result{LogLikelihood: -20, Params: []float64{4}}))
	expect.True(t, r.Insert(Result{LogLikelihood: -1, Params: []float64{5}}))
	var got []float64
	for _, res := range r.Results() {
		got = append(got, res.Params[0])
	}
	expect.EQ(t, got, []float64{5, 2, 1})
	best, ok := r.Best()
	expect.True(t, ok)
	expect.EQ(t, best.LogLikelihood, -1.0)

	other := NewRanked(testUnit, []string{"a"}, 0)
	other.Insert(Result{LogLikelihood: -3, Params: []float64{6}})
	other.Insert(Result{LogLikelihood: -30, Params: []float64{7}})
	m, err := MergeRanked(4, r, other)
	require.NoError(t, err)
	got = nil
	for _, res := range m.Results() {
		got = append(got, res.Params[0])
	}
	expect.EQ(t, got, []float64{5, 6, 2, 1})

	_, err = MergeRanked(4, r, NewRanked(testUnit, []string{"b"}, 0))
	assert.Error(t, err)
	_, err = MergeRanked(4)
	assert.Error(t, err)
}

func TestRankedIO(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmp)
	ctx := context.Background()

	r := NewRanked(testUnit, []string{"nu1", "nu2", "T"}, 10)
	r.Insert(Result{LogLikelihood: -12.5, Theta: 1000, Params: []float64{2, 0.5, 0.1}})
	r.Insert(Result{LogLikelihood: -100, Theta: 250.25, Params: []float64{1, 1, 3}})

	var buf bytes.Buffer
	require.NoError(t, WriteRanked(&buf, r))
	r2, err := ReadRanked(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	expect.EQ(t, r2, r)

	path := filepath.Join(tmp, testUnit.String()+".0.rio")
	require.NoError(t, WriteRankedPath(ctx, path, r))
	r3, err := ReadRankedPath(ctx, path)
	require.NoError(t, err)
	expect.EQ(t, r3, r)
	expect.EQ(t, r3.Unit.String(), "DOM_WLD_split_no_mig_free")

	_, err = ReadRankedPath(ctx, filepath.Join(tmp, "missing.rio"))
	assert.Error(t, err)

	buf.Reset()
	require.NoError(t, WriteCSV(&buf, r))
	expect.EQ(t, buf.String(), "likelihood,theta,nu1,nu2,T\n-12.5,1000,2,0.5,0.1\n-100,250.25,1,1,3\n")
}

func TestOptimize(t *testing.T) {
	ctx := context.Background()
	p := testProblem(t, &expModel{})
	r, err := Optimize(ctx, p, Opts{Iterations: 4, Seed: 1})
	require.NoError(t, err)
	require.True(t, r.Len() > 0)
	for i := 1; i < r.Len(); i++ {
		expect.True(t, r.Results()[i-1].LogLikelihood >= r.Results()[i].LogLikelihood)
	}
	best, _ := r.Best()
	assert.InDelta(t, 2, best.Params[0], 0.2)
	assert.InDelta(t, 0.5, best.Params[1], 0.05)

	truth, err := spectrum.FromValues(4, 4, expValues(4, 4, 2, 0.5))
	require.NoError(t, err)
	truthLL, truthTheta := spectrum.LLMultinom(truth, p.Data)
	assert.InDelta(t, 1000, truthTheta, 1e-6)
	expect.True(t, best.LogLikelihood >= truthLL-1e-2, best.LogLikelihood, truthLL)

	// The plotted model is the best parameters scaled to the data.
	m, err := ModelSpectrum(ctx, p, best.Params)
	require.NoError(t, err)
	expect.EQ(t, m.Pops, p.Data.Pops)
	assert.InDelta(t, p.Data.Sum(), maskedSum(m, p.Data), 1e-6)
}

func maskedSum(s, mask *spectrum.Spectrum) float64 {
	var sum float64
	for i, v := range s.Values() {
		if !mask.Mask()[i] {
			sum += v
		}
	}
	return sum
}

func TestOptimizeFixedAndPerturb(t *testing.T) {
	ctx := context.Background()
	e := &expModel{}
	p := testProblem(t, e)
	p.Fixed = map[string]float64{"T": 0.25}
	rec := &startRecorder{}
	r, err := Optimize(ctx, p, Opts{Iterations: 2, Seed: 7, Optimizer: rec})
	require.NoError(t, err)
	expect.EQ(t, r.Len(), 2)
	for _, params := range e.params {
		expect.EQ(t, params[2], 0.25)
	}
	for _, res := range r.Results() {
		expect.EQ(t, res.Params[2], 0.25)
	}
	require.Len(t, rec.starts, 2)
	for _, start := range rec.starts {
		require.Len(t, start, 2)
		for k, v := range start {
			expect.True(t, v >= p.Model.Lower[k] && v <= p.Model.Upper[k], v)
		}
	}
	// The second start perturbs the first result by at most a factor of 2.
	for k := range rec.starts[1] {
		ratio := rec.starts[1][k] / rec.starts[0][k]
		expect.True(t, ratio >= 0.5 && ratio <= 2, ratio)
	}
}

func TestOptimizeDiscardsInvalid(t *testing.T) {
	ctx := context.Background()
	e := &expModel{maskEvery: 2}
	r, err := Optimize(ctx, testProblem(t, e), Opts{Iterations: 6, Seed: 3, Optimizer: &startRecorder{}})
	require.NoError(t, err)
	expect.EQ(t, e.calls, 6)
	expect.EQ(t, r.Len(), 3)
}

func TestOptimizeNoValidParams(t *testing.T) {
	ctx := context.Background()
	_, err := Optimize(ctx, testProblem(t, &expModel{maskEvery: 1}), Opts{Iterations: 3, Seed: 3, Optimizer: &startRecorder{}})
	require.Error(t, err)
	expect.True(t, goerrors.Is(err, ErrNoValidParams))
	nv, ok := err.(*NoValidParamsError)
	require.True(t, ok)
	expect.EQ(t, nv.Unit, testUnit)
	expect.EQ(t, nv.Iterations, 3)
	expect.Nil(t, nv.Err)

	failure := goerrors.New("bridge crashed")
	_, err = Optimize(ctx, testProblem(t, &expModel{fail: failure}), Opts{Iterations: 2, Seed: 3})
	require.Error(t, err)
	expect.True(t, goerrors.Is(err, ErrNoValidParams))
	assert.Contains(t, err.Error(), "bridge crashed")
	assert.Contains(t, err.Error(), "DOM_WLD_split_no_mig_free")
}

func TestOptimizeErrors(t *testing.T) {
	ctx := context.Background()
	p := testProblem(t, &expModel{})
	p.Fixed = map[string]float64{"m": 0}
	_, err := Optimize(ctx, p, Opts{})
	assert.Error(t, err)

	p = testProblem(t, &expModel{})
	p.Lower = []float64{1, 1}
	_, err = Optimize(ctx, p, Opts{})
	assert.Error(t, err)

	p = testProblem(t, &expModel{})
	p.Lower, p.Upper = []float64{1, 1, 1}, []float64{2, 0.5, 2}
	_, err = Optimize(ctx, p, Opts{})
	assert.Error(t, err)

	p = testProblem(t, &expModel{})
	p.Data = nil
	_, err = Optimize(ctx, p, Opts{})
	assert.Error(t, err)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = Optimize(cctx, testProblem(t, &expModel{}), Opts{Iterations: 2})
	expect.EQ(t, err, context.Canceled)
}
