package spectrum

import (
	"fmt"
	"math"

	"github.com/grailbio/base/log"
	"github.com/grailbio/popgen/sfs"
	"gonum.org/v1/gonum/stat/combin"
)

// projector caches hypergeometric projection vectors.
type projector struct {
	cache map[[3]int][]float64
}

func logChoose(n, k int) float64 {
	if k < 0 || k > n {
		return math.Inf(-1)
	}
	return combin.LogGeneralizedBinomial(float64(n), float64(k))
}

// project returns the probabilities that a subsample of to chromosomes,
// drawn without replacement from from chromosomes of which hits carry the
// derived allele, carries 0..to derived alleles.
func (p *projector) project(to, from, hits int) []float64 {
	key := [3]int{to, from, hits}
	if v, ok := p.cache[key]; ok {
		return v
	}
	v := make([]float64, to+1)
	denom := logChoose(from, hits)
	for k := range v {
		if lp := logChoose(to, k) + logChoose(from-to, hits-k) - denom; !math.IsInf(lp, -1) {
			v[k] = math.Exp(lp)
		}
	}
	p.cache[key] = v
	return v
}

// FromData builds the joint spectrum of populations pops from allele
// counts, projecting each site down to proj[0] and proj[1] chromosomes.
// Sites with fewer called alleles than the projection size in either
// population, or with more than two alleles, do not contribute.
//
// When polarized, derived alleles are counted against the site's ancestral
// allele (the outgroup allele when known, else the reference) and the
// corners of the spectrum are masked. Otherwise the spectrum is folded.
func FromData(d *sfs.Data, pops [2]string, proj [2]int, polarized bool) (*Spectrum, error) {
	if proj[0] < 1 || proj[1] < 1 {
		return nil, fmt.Errorf("spectrum: bad projection %v", proj)
	}
	s := New(proj[0], proj[1])
	s.Pops = pops
	p := projector{cache: make(map[[3]int][]float64)}
	var used, dropped int
	for _, k := range d.Keys() {
		site, _ := d.Site(k)
		if !site.Biallelic() {
			dropped++
			continue
		}
		anc := site.Ref
		if polarized {
			anc = site.Ancestral()
		}
		var contrib [2][]float64
		ok := true
		for i, pop := range pops {
			called := site.Called(pop)
			if called < proj[i] {
				ok = false
				break
			}
			contrib[i] = p.project(proj[i], called, called-site.Count(anc, pop))
		}
		if !ok {
			dropped++
			continue
		}
		used++
		for i, a := range contrib[0] {
			if a == 0 {
				continue
			}
			for j, b := range contrib[1] {
				s.Set(i, j, s.At(i, j)+a*b)
			}
		}
	}
	log.Printf("spectrum: %v projected to %v: %d sites used, %d dropped", pops, proj, used, dropped)
	s.MaskCorners()
	if polarized {
		return s, nil
	}
	return s.Fold(), nil
}

// ProjectionSize returns the projection size used for a population of n
// diploid samples: 2(n-1) chromosomes, leaving room for one sample with a
// missing call.
func ProjectionSize(n int) int {
	if n <= 1 {
		return 2 * n
	}
	return 2 * (n - 1)
}
