package sfs

import (
	"sort"

	"github.com/biogo/store/llrb"
)

// SiteKey identifies a genomic site by chromosome and 1-based position.
type SiteKey struct {
	Chrom string
	Pos   int
}

// Less orders keys by chromosome name, then position.
func (k SiteKey) Less(o SiteKey) bool {
	if k.Chrom != o.Chrom {
		return k.Chrom < o.Chrom
	}
	return k.Pos < o.Pos
}

// Compare implements llrb.Comparable.
func (k SiteKey) Compare(c llrb.Comparable) int {
	o := c.(SiteKey)
	switch {
	case k.Less(o):
		return -1
	case o.Less(k):
		return 1
	}
	return 0
}

// Site holds the allele counts observed at one site, across populations.
type Site struct {
	// Ref is the reference base.
	Ref string
	// Qual is the highest site quality reported by any population.
	Qual float64
	// Context is the reference base with its flanking bases, e.g. "CAT".
	// Flanks are '-' when unknown.
	Context string
	// Outgroup is the outgroup allele in context form, e.g. "CGT", as read
	// from a data file. It is "---" or empty when unknown.
	Outgroup string
	// Counts maps allele -> population -> number of called alleles. The
	// reference allele is always present, even with zero counts.
	Counts map[string]map[string]int
	// conflict is set when populations disagree on the reference base.
	conflict bool
}

func newSite(ref string) *Site {
	return &Site{
		Ref:    ref,
		Counts: map[string]map[string]int{ref: {}},
	}
}

func (s *Site) addAllele(allele string) map[string]int {
	m, ok := s.Counts[allele]
	if !ok {
		m = make(map[string]int)
		s.Counts[allele] = m
	}
	return m
}

// Alleles returns the observed alleles, reference first and the rest in
// lexical order.
func (s *Site) Alleles() []string {
	alleles := []string{s.Ref}
	for a := range s.Counts {
		if a != s.Ref {
			alleles = append(alleles, a)
		}
	}
	sort.Strings(alleles[1:])
	return alleles
}

// Ancestral returns the ancestral allele: the outgroup allele when it is
// known and observed at the site, else the reference allele.
func (s *Site) Ancestral() string {
	if len(s.Outgroup) == 3 {
		if a := s.Outgroup[1:2]; a != "-" {
			if _, ok := s.Counts[a]; ok {
				return a
			}
		}
	}
	return s.Ref
}

// Count returns the number of alleles of the given kind called in pop.
func (s *Site) Count(allele, pop string) int {
	return s.Counts[allele][pop]
}

// Called returns the number of alleles called in pop.
func (s *Site) Called(pop string) int {
	var n int
	for _, m := range s.Counts {
		n += m[pop]
	}
	return n
}

// Total returns the number of alleles called across all populations.
func (s *Site) Total() int {
	var n int
	for _, m := range s.Counts {
		for _, c := range m {
			n += c
		}
	}
	return n
}

// Biallelic reports whether the site carries at most one alternate allele
// and no reference conflict.
func (s *Site) Biallelic() bool {
	return !s.conflict && len(s.Counts) <= 2
}

// Data maps sites to their allele counts. The zero value is not usable;
// use NewData.
type Data struct {
	sites map[SiteKey]*Site
	// order holds the keys of sites in (chrom, pos) order.
	order llrb.Tree
}

// NewData returns an empty Data.
func NewData() *Data {
	return &Data{sites: make(map[SiteKey]*Site)}
}

// Len returns the number of sites.
func (d *Data) Len() int { return len(d.sites) }

// Site returns the site at k.
func (d *Data) Site(k SiteKey) (*Site, bool) {
	s, ok := d.sites[k]
	return s, ok
}

// Keys returns the site keys in (chrom, pos) order.
func (d *Data) Keys() []SiteKey {
	keys := make([]SiteKey, 0, len(d.sites))
	d.order.Do(func(c llrb.Comparable) bool {
		keys = append(keys, c.(SiteKey))
		return false
	})
	return keys
}

// Populations returns the sorted names of the populations with at least one
// count entry.
func (d *Data) Populations() []string {
	seen := make(map[string]bool)
	for _, s := range d.sites {
		for _, m := range s.Counts {
			for pop := range m {
				seen[pop] = true
			}
		}
	}
	pops := make([]string, 0, len(seen))
	for p := range seen {
		pops = append(pops, p)
	}
	sort.Strings(pops)
	return pops
}

// site returns the site at k, creating it if needed.
func (d *Data) site(k SiteKey, ref string) *Site {
	s, ok := d.sites[k]
	if !ok {
		s = newSite(ref)
		d.sites[k] = s
		d.order.Insert(k)
		return s
	}
	s.mergeRef(ref)
	return s
}

func (s *Site) mergeRef(ref string) {
	switch {
	case ref == s.Ref:
	case ref < s.Ref:
		// Keep the smaller reference so that merge order does not matter.
		s.conflict = true
		s.Ref = ref
		s.addAllele(ref)
	default:
		s.conflict = true
		s.addAllele(ref)
	}
}

// Add records a passing decision for population pop. The site is recorded
// even when no sample qualified.
func (d *Data) Add(pop string, dec Decision) {
	s := d.site(SiteKey{dec.Chrom, dec.Pos}, dec.Ref)
	if dec.Qual > s.Qual {
		s.Qual = dec.Qual
	}
	var alt map[string]int
	if dec.Alt != "" {
		alt = s.addAllele(dec.Alt)
	}
	ref := s.addAllele(dec.Ref)
	for _, c := range dec.Calls {
		nref, nalt := c.Genotype.Alleles()
		if nref > 0 {
			ref[pop] += nref
		}
		if nalt > 0 {
			alt[pop] += nalt
		}
	}
}

// Merge adds the counts of o into d. Merge is commutative and associative:
// the result does not depend on the order in which populations are merged.
func (d *Data) Merge(o *Data) {
	for k, os := range o.sites {
		s := d.site(k, os.Ref)
		if os.conflict {
			s.conflict = true
		}
		if os.Qual > s.Qual {
			s.Qual = os.Qual
		}
		if s.Context == "" || (os.Context != "" && os.Context < s.Context) {
			s.Context = os.Context
		}
		if s.Outgroup == "" || (os.Outgroup != "" && os.Outgroup < s.Outgroup) {
			s.Outgroup = os.Outgroup
		}
		for allele, m := range os.Counts {
			dst := s.addAllele(allele)
			for pop, n := range m {
				dst[pop] += n
			}
		}
	}
}

// PruneZeroCoverage removes the sites at which no allele was called and
// returns the number of sites removed.
func (d *Data) PruneZeroCoverage() int {
	var n int
	for k, s := range d.sites {
		if s.Total() == 0 {
			delete(d.sites, k)
			d.order.Delete(k)
			n++
		}
	}
	return n
}
