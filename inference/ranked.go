package inference

import (
	"context"
	"encoding/binary"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
)

func init() {
	recordiozstd.Init()
}

// Unit identifies one optimization: a model and scenario fitted to the
// joint spectrum of two populations of a group.
type Unit struct {
	Group, Pop1, Pop2, Model, Scenario string
}

// String returns the unit's file name stem, e.g. "DOM_WLD_split_mig_free".
// The stem is unambiguous as long as population and scenario names contain
// no '_'; config validation enforces this.
func (u Unit) String() string {
	return strings.Join([]string{u.Pop1, u.Pop2, u.Model, u.Scenario}, "_")
}

// Result is one fitted parameter vector.
type Result struct {
	LogLikelihood float64
	// Theta is the optimal scaling of the model spectrum.
	Theta  float64
	Params []float64
}

// Ranked is a bounded list of results sorted by decreasing log-likelihood.
type Ranked struct {
	Unit Unit
	// Names are the parameter names, in vector order.
	Names []string
	// Max bounds the number of results kept. Zero means unbounded.
	Max int

	results []Result
}

// NewRanked returns an empty list.
func NewRanked(unit Unit, names []string, max int) *Ranked {
	return &Ranked{Unit: unit, Names: append([]string(nil), names...), Max: max}
}

// Len returns the number of results.
func (r *Ranked) Len() int { return len(r.results) }

// Results returns the results, best first.
func (r *Ranked) Results() []Result { return r.results }

// Best returns the result with the highest log-likelihood.
func (r *Ranked) Best() (Result, bool) {
	if len(r.results) == 0 {
		return Result{}, false
	}
	return r.results[0], true
}

// Insert adds res, keeping the list sorted and bounded. Among equal
// log-likelihoods, earlier results rank first. It reports whether res was
// kept.
func (r *Ranked) Insert(res Result) bool {
	if len(res.Params) != len(r.Names) {
		panic(fmt.Sprintf("inference: %d params for %v", len(res.Params), r.Names))
	}
	i := sort.Search(len(r.results), func(i int) bool {
		return r.results[i].LogLikelihood < res.LogLikelihood
	})
	if r.Max > 0 && i >= r.Max {
		return false
	}
	res.Params = append([]float64(nil), res.Params...)
	r.results = append(r.results, Result{})
	copy(r.results[i+1:], r.results[i:])
	r.results[i] = res
	if r.Max > 0 && len(r.results) > r.Max {
		r.results = r.results[:r.Max]
	}
	return true
}

// MergeRanked merges lists for the same unit and parameters into one list
// bounded by max.
func MergeRanked(max int, lists ...*Ranked) (*Ranked, error) {
	if len(lists) == 0 {
		return nil, errors.E(errors.Invalid, "inference: nothing to merge")
	}
	out := NewRanked(lists[0].Unit, lists[0].Names, max)
	for _, l := range lists {
		if l.Unit != out.Unit || strings.Join(l.Names, ",") != strings.Join(out.Names, ",") {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("inference: cannot merge %v%v with %v%v", l.Unit, l.Names, out.Unit, out.Names))
		}
		for _, res := range l.results {
			out.Insert(res)
		}
	}
	return out, nil
}

const (
	headerGroup    = "group"
	headerPop1     = "pop1"
	headerPop2     = "pop2"
	headerModel    = "model"
	headerScenario = "scenario"
	headerParams   = "params"
	headerMax      = "max"
)

func marshalResult(scratch []byte, v interface{}) ([]byte, error) {
	res := v.(*Result)
	n := 8 * (2 + len(res.Params))
	if cap(scratch) < n {
		scratch = make([]byte, n)
	}
	b := scratch[:n]
	binary.LittleEndian.PutUint64(b[0:], math.Float64bits(res.LogLikelihood))
	binary.LittleEndian.PutUint64(b[8:], math.Float64bits(res.Theta))
	for i, p := range res.Params {
		binary.LittleEndian.PutUint64(b[16+8*i:], math.Float64bits(p))
	}
	return b, nil
}

func unmarshalResult(b []byte) (interface{}, error) {
	if len(b) < 16 || len(b)%8 != 0 {
		return nil, errors.E(fmt.Sprintf("inference: result record of %d bytes", len(b)))
	}
	res := &Result{
		LogLikelihood: math.Float64frombits(binary.LittleEndian.Uint64(b[0:])),
		Theta:         math.Float64frombits(binary.LittleEndian.Uint64(b[8:])),
		Params:        make([]float64, len(b)/8-2),
	}
	for i := range res.Params {
		res.Params[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[16+8*i:]))
	}
	return res, nil
}

// WriteRanked writes r to w as a zstd-compressed recordio file. The unit
// and parameter names are stored in the header.
func WriteRanked(w io.Writer, r *Ranked) error {
	rio := recordio.NewWriter(w, recordio.WriterOpts{
		Marshal:      marshalResult,
		Transformers: []string{recordiozstd.Name},
	})
	rio.AddHeader(headerGroup, r.Unit.Group)
	rio.AddHeader(headerPop1, r.Unit.Pop1)
	rio.AddHeader(headerPop2, r.Unit.Pop2)
	rio.AddHeader(headerModel, r.Unit.Model)
	rio.AddHeader(headerScenario, r.Unit.Scenario)
	rio.AddHeader(headerParams, strings.Join(r.Names, ","))
	rio.AddHeader(headerMax, strconv.Itoa(r.Max))
	for i := range r.results {
		rio.Append(&r.results[i])
	}
	return rio.Finish()
}

// ReadRanked reads a list written by WriteRanked.
func ReadRanked(rs io.ReadSeeker) (*Ranked, error) {
	sc := recordio.NewScanner(rs, recordio.ScannerOpts{Unmarshal: unmarshalResult})
	r := &Ranked{}
	var haveParams bool
	for _, kv := range sc.Header() {
		s, ok := kv.Value.(string)
		if !ok {
			continue
		}
		switch kv.Key {
		case headerGroup:
			r.Unit.Group = s
		case headerPop1:
			r.Unit.Pop1 = s
		case headerPop2:
			r.Unit.Pop2 = s
		case headerModel:
			r.Unit.Model = s
		case headerScenario:
			r.Unit.Scenario = s
		case headerParams:
			haveParams = true
			if s != "" {
				r.Names = strings.Split(s, ",")
			}
		case headerMax:
			max, err := strconv.Atoi(s)
			if err != nil {
				return nil, errors.E(err, "inference: bad max header")
			}
			r.Max = max
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.E(err, "inference: read results")
	}
	if !haveParams {
		return nil, errors.E(errors.Invalid, "inference: results file has no parameter names")
	}
	for sc.Scan() {
		res := sc.Get().(*Result)
		if len(res.Params) != len(r.Names) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("inference: result has %d params, want %d", len(res.Params), len(r.Names)))
		}
		r.results = append(r.results, *res)
	}
	if err := sc.Finish(); err != nil {
		return nil, errors.E(err, "inference: read results")
	}
	sort.SliceStable(r.results, func(i, j int) bool {
		return r.results[i].LogLikelihood > r.results[j].LogLikelihood
	})
	return r, nil
}

// WriteRankedPath writes r to path.
func WriteRankedPath(ctx context.Context, path string, r *Ranked) error {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	var e errors.Once
	e.Set(WriteRanked(out.Writer(ctx), r))
	if e.Err() != nil {
		out.Discard(ctx)
		return errors.E(e.Err(), path)
	}
	e.Set(out.Close(ctx))
	return e.Err()
}

// ReadRankedPath reads the list stored at path.
func ReadRankedPath(ctx context.Context, path string) (r *Ranked, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	r, err = ReadRanked(in.Reader(ctx))
	if err != nil {
		return nil, errors.E(err, path)
	}
	return r, nil
}

// WriteCSV writes r as comma-separated values, best first, under the
// header "likelihood,theta,<param names>".
func WriteCSV(w io.Writer, r *Ranked) error {
	cw := csv.NewWriter(w)
	header := append([]string{"likelihood", "theta"}, r.Names...)
	if err := cw.Write(header); err != nil {
		return err
	}
	row := make([]string, len(header))
	for _, res := range r.results {
		row[0] = strconv.FormatFloat(res.LogLikelihood, 'g', -1, 64)
		row[1] = strconv.FormatFloat(res.Theta, 'g', -1, 64)
		for i, p := range res.Params {
			row[2+i] = strconv.FormatFloat(p, 'g', -1, 64)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
