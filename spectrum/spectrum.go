// Package spectrum implements two-population joint site frequency spectra:
// construction from allele counts by hypergeometric projection, folding,
// the dadi ".fs" text format, and the multinomial likelihood used to compare
// a model spectrum with an observed one.
package spectrum

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Spectrum is a joint frequency spectrum. Entry (i, j) is the expected or
// observed number of sites with i derived alleles in a sample of n1
// chromosomes of the first population and j derived alleles in a sample of
// n2 chromosomes of the second. Masked entries are excluded from sums and
// likelihoods.
type Spectrum struct {
	// Pops names the two populations, in axis order. Empty when unknown.
	Pops   [2]string
	Folded bool

	data *mat.Dense
	mask []bool
}

// New returns an all-zero unmasked spectrum for samples of n1 and n2
// chromosomes.
func New(n1, n2 int) *Spectrum {
	if n1 < 1 || n2 < 1 {
		panic(fmt.Sprintf("spectrum.New: sample sizes %d, %d", n1, n2))
	}
	return &Spectrum{
		data: mat.NewDense(n1+1, n2+1, nil),
		mask: make([]bool, (n1+1)*(n2+1)),
	}
}

// FromValues returns a spectrum for samples of n1 and n2 chromosomes with
// the given row-major entries.
func FromValues(n1, n2 int, values []float64) (*Spectrum, error) {
	if n1 < 1 || n2 < 1 || len(values) != (n1+1)*(n2+1) {
		return nil, fmt.Errorf("spectrum: %d values for sample sizes %d, %d", len(values), n1, n2)
	}
	s := New(n1, n2)
	copy(s.data.RawMatrix().Data, values)
	return s, nil
}

// SampleSizes returns the number of chromosomes sampled from each
// population.
func (s *Spectrum) SampleSizes() (n1, n2 int) {
	r, c := s.data.Dims()
	return r - 1, c - 1
}

// At returns entry (i, j).
func (s *Spectrum) At(i, j int) float64 { return s.data.At(i, j) }

// Set sets entry (i, j).
func (s *Spectrum) Set(i, j int, v float64) { s.data.Set(i, j, v) }

func (s *Spectrum) index(i, j int) int {
	_, c := s.data.Dims()
	return i*c + j
}

// Masked reports whether entry (i, j) is masked.
func (s *Spectrum) Masked(i, j int) bool { return s.mask[s.index(i, j)] }

// SetMasked sets the mask of entry (i, j).
func (s *Spectrum) SetMasked(i, j int, m bool) { s.mask[s.index(i, j)] = m }

// MaskCorners masks the entries for sites fixed ancestral or fixed derived
// in both samples.
func (s *Spectrum) MaskCorners() {
	n1, n2 := s.SampleSizes()
	s.SetMasked(0, 0, true)
	s.SetMasked(n1, n2, true)
}

// Values returns the entries in row-major order. The slice is shared with s.
func (s *Spectrum) Values() []float64 { return s.data.RawMatrix().Data }

// Mask returns the mask in row-major order. The slice is shared with s.
func (s *Spectrum) Mask() []bool { return s.mask }

// Clone returns a deep copy of s.
func (s *Spectrum) Clone() *Spectrum {
	c := &Spectrum{
		Pops:   s.Pops,
		Folded: s.Folded,
		data:   mat.DenseCopyOf(s.data),
		mask:   append([]bool(nil), s.mask...),
	}
	return c
}

// CopyMask copies the mask and orientation of o into s. The spectra must
// have the same sample sizes.
func (s *Spectrum) CopyMask(o *Spectrum) {
	copy(s.mask, o.mask)
	s.Folded = o.Folded
}

// SameShape reports whether s and o have the same sample sizes.
func (s *Spectrum) SameShape(o *Spectrum) bool {
	r1, c1 := s.data.Dims()
	r2, c2 := o.data.Dims()
	return r1 == r2 && c1 == c2
}

// Sum returns the sum of the unmasked entries.
func (s *Spectrum) Sum() float64 {
	var sum float64
	for i, v := range s.Values() {
		if !s.mask[i] {
			sum += v
		}
	}
	return sum
}

// Scale returns a copy of s with every entry multiplied by f.
func (s *Spectrum) Scale(f float64) *Spectrum {
	c := s.Clone()
	floats.Scale(f, c.Values())
	return c
}

// Fold returns the folded spectrum, for use when the ancestral state of
// the alleles is unknown. Entry (i, j) and its mirror (n1-i, n2-j) are
// combined into whichever has the smaller total minor allele count.
func (s *Spectrum) Fold() *Spectrum {
	if s.Folded {
		return s.Clone()
	}
	n1, n2 := s.SampleSizes()
	total := n1 + n2
	f := New(n1, n2)
	f.Pops = s.Pops
	f.Folded = true
	for i := 0; i <= n1; i++ {
		for j := 0; j <= n2; j++ {
			ri, rj := n1-i, n2-j
			v, rv := s.At(i, j), s.At(ri, rj)
			masked := s.Masked(i, j) || s.Masked(ri, rj)
			switch k := i + j; {
			case 2*k > total:
				masked = true
				v = 0
			case 2*k == total:
				// Entries on the anti-diagonal are folded onto each other.
				v = 0.5*v + 0.5*rv
			default:
				v += rv
			}
			f.Set(i, j, v)
			f.SetMasked(i, j, masked)
		}
	}
	return f
}

// Validate checks that model can be compared with data: same shape, finite
// entries, and a positive expectation wherever the data has unmasked
// observations.
func Validate(model, data *Spectrum) error {
	if !model.SameShape(data) {
		n1, n2 := model.SampleSizes()
		m1, m2 := data.SampleSizes()
		return fmt.Errorf("spectrum: model sample sizes (%d, %d) differ from data (%d, %d)", n1, n2, m1, m2)
	}
	mv, dv := model.Values(), data.Values()
	for i := range mv {
		if data.mask[i] {
			continue
		}
		if math.IsNaN(mv[i]) || math.IsInf(mv[i], 0) {
			return fmt.Errorf("spectrum: model entry %d is %v", i, mv[i])
		}
		if mv[i] < 0 {
			return fmt.Errorf("spectrum: model entry %d is negative (%g)", i, mv[i])
		}
		if mv[i] == 0 && dv[i] > 0 {
			return fmt.Errorf("spectrum: model entry %d is zero where data is %g", i, dv[i])
		}
	}
	return nil
}
