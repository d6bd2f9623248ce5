package sfs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/popgen/encoding/vcf"
	"github.com/grailbio/popgen/interval"
	"github.com/minio/highwayhash"
)

// Opts controls which variant records and sample calls are counted.
type Opts struct {
	// MinQual is the site quality threshold. Sites whose QUAL is present and
	// below MinQual are skipped.
	MinQual float64
	// MinDepth is the per-sample read depth (DP) threshold.
	MinDepth int
	// MinGenotypeQual is the per-sample genotype quality (GQ) threshold.
	MinGenotypeQual float64
	// Placeholders lists ALT tokens that do not name a real allele, such as
	// the <NON_REF> symbolic allele emitted in BP_RESOLUTION mode. Other
	// tokens, "*" and "<*>" included, count as alleles.
	Placeholders []string
	// Targets, if non-nil, restricts extraction to the covered sites.
	Targets *interval.Set
	// PruneZeroCoverage drops sites at which no sample of any population
	// passed the per-sample filters.
	PruneZeroCoverage bool
}

// DefaultOpts are the default filter thresholds.
var DefaultOpts = Opts{
	MinQual:         30,
	MinDepth:        5,
	MinGenotypeQual: 30,
	Placeholders:    []string{"<NON_REF>"},
}

// Fingerprint summarizes the options that affect extracted counts. It is
// recorded in data file headers. Targets are represented by their count and
// a hash of their merged intervals.
func (o Opts) Fingerprint() string {
	s := fmt.Sprintf("min_qual=%g min_depth=%d min_gq=%g prune_zero=%v placeholders=%s",
		o.MinQual, o.MinDepth, o.MinGenotypeQual, o.PruneZeroCoverage, strings.Join(o.Placeholders, ","))
	if o.Targets != nil {
		entries := o.Targets.Entries()
		var buf strings.Builder
		for _, e := range entries {
			buf.WriteString(e.String())
			buf.WriteByte('\n')
		}
		s += fmt.Sprintf(" targets=%d:%016x", len(entries), highwayhash.Sum64([]byte(buf.String()), fingerprintKey[:]))
	}
	return s
}

var fingerprintKey [highwayhash.Size]byte

// Reason explains why a site or a sample call was not counted.
type Reason int

const (
	// Pass means the site or call was counted.
	Pass Reason = iota
	// Malformed means the record or the sample column could not be parsed.
	Malformed
	// OffTarget means the site lies outside Opts.Targets.
	OffTarget
	// LowQual means the site QUAL is below Opts.MinQual.
	LowQual
	// PolyAllelic means the site has more than one real alternate allele.
	PolyAllelic
	// InDel means the reference or alternate allele is not a single base.
	InDel
	// LowCoverage means the sample's DP or GQ is below threshold, or missing.
	LowCoverage
	// NoCall means the sample has no usable diploid genotype call.
	NoCall
)

var reasonNames = [...]string{"Pass", "Malformed", "OffTarget", "LowQual", "PolyAllelic", "InDel", "LowCoverage", "NoCall"}

// String implements fmt.Stringer.
func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// Skip records one filter decision that excluded a site or a sample call.
type Skip struct {
	Population string
	Chrom      string
	Pos        int
	Reason     Reason
	// Sample is empty for site-level decisions.
	Sample string
	Detail string
}

// Genotype is a diploid genotype class.
type Genotype int

const (
	HomRef Genotype = iota
	Het
	HomAlt
)

// Alleles returns the number of reference and alternate alleles carried by
// a diploid sample with genotype g. They always sum to 2.
func (g Genotype) Alleles() (ref, alt int) {
	switch g {
	case HomRef:
		return 2, 0
	case Het:
		return 1, 1
	default:
		return 0, 2
	}
}

// Call is the genotype of one qualifying sample.
type Call struct {
	Sample   string
	Genotype Genotype
}

// Decision is the outcome of filtering one record.
type Decision struct {
	Chrom string
	Pos   int
	// Reason is Pass unless the whole site was skipped.
	Reason Reason
	Detail string
	Qual   float64
	Ref    string
	// Alt is the single alternate allele, or empty for a site without a
	// real alternate allele.
	Alt string
	// Calls lists the samples that passed every per-sample filter.
	Calls []Call
	// Skips lists the samples that did not.
	Skips []Skip
}

// Filter decides which records and sample calls of one population's VCF
// are counted.
type Filter struct {
	opts        Opts
	population  string
	samples     []string
	cols        []int
	placeholder map[string]bool
}

// NewFilter creates a filter for the named samples of a VCF with header h.
// Every sample must have a genotype column.
func NewFilter(h *vcf.Header, population string, samples []string, opts Opts) (*Filter, error) {
	f := &Filter{
		opts:        opts,
		population:  population,
		samples:     samples,
		placeholder: make(map[string]bool),
	}
	for _, s := range samples {
		col, ok := h.SampleIndex(s)
		if !ok {
			return nil, errors.E(errors.NotExist, fmt.Sprintf("sample %s of population %s has no genotype column", s, population))
		}
		f.cols = append(f.cols, col)
	}
	for _, p := range opts.Placeholders {
		f.placeholder[p] = true
	}
	return f, nil
}

func (f *Filter) skipSite(d *Decision, reason Reason, detail string) Decision {
	d.Reason = reason
	d.Detail = detail
	d.Calls = nil
	return *d
}

// Apply filters one record. Site-level checks run in order: target
// membership, QUAL, number of real alternate alleles, allele lengths. Each
// sample is then checked for depth and genotype quality, and its genotype
// classified.
func (f *Filter) Apply(r *vcf.Record) Decision {
	var d Decision
	if len(r.Fields) <= vcf.ColFormat {
		return f.skipSite(&d, Malformed, fmt.Sprintf("line %d: %d columns", r.Line, len(r.Fields)))
	}
	d.Chrom = r.Chrom()
	pos, err := r.Pos()
	if err != nil {
		return f.skipSite(&d, Malformed, err.Error())
	}
	d.Pos = pos
	if f.opts.Targets != nil && !f.opts.Targets.Contains(d.Chrom, pos) {
		return f.skipSite(&d, OffTarget, "")
	}
	qual, ok, err := r.Qual()
	if err != nil {
		return f.skipSite(&d, Malformed, err.Error())
	}
	if ok {
		d.Qual = qual
		if qual < f.opts.MinQual {
			return f.skipSite(&d, LowQual, r.Fields[vcf.ColQual])
		}
	}

	d.Ref = r.Ref()
	alts := r.Alts()
	var real []string
	for _, a := range alts {
		if !f.placeholder[a] {
			real = append(real, a)
		}
	}
	if len(real) > 1 {
		return f.skipSite(&d, PolyAllelic, d.Ref+"/"+strings.Join(real, ","))
	}
	if len(real) == 1 {
		d.Alt = real[0]
	}
	if len(d.Ref) != 1 || len(d.Alt) > 1 {
		return f.skipSite(&d, InDel, d.Ref+"/"+d.Alt)
	}
	if len(r.Fields) <= f.maxCol() {
		return f.skipSite(&d, Malformed, fmt.Sprintf("line %d: %d columns", r.Line, len(r.Fields)))
	}

	for i, sample := range f.samples {
		g, reason, detail := f.classify(r, f.cols[i], alts)
		if reason != Pass {
			d.Skips = append(d.Skips, Skip{
				Population: f.population,
				Chrom:      d.Chrom,
				Pos:        d.Pos,
				Reason:     reason,
				Sample:     sample,
				Detail:     detail,
			})
			continue
		}
		d.Calls = append(d.Calls, Call{Sample: sample, Genotype: g})
	}
	return d
}

func (f *Filter) maxCol() int {
	max := vcf.ColFormat
	for _, c := range f.cols {
		if c > max {
			max = c
		}
	}
	return max
}

// classify checks one sample column.
func (f *Filter) classify(r *vcf.Record, col int, alts []string) (Genotype, Reason, string) {
	dp, ok := r.GenotypeField(col, vcf.DP)
	if !ok || dp == vcf.Missing {
		return 0, LowCoverage, "DP=."
	}
	depth, err := strconv.Atoi(dp)
	if err != nil {
		return 0, Malformed, "DP=" + dp
	}
	if depth < f.opts.MinDepth {
		return 0, LowCoverage, "DP=" + dp
	}
	gq, ok := r.GenotypeField(col, vcf.GQ)
	if !ok || gq == vcf.Missing {
		return 0, LowCoverage, "GQ=."
	}
	gqual, err := strconv.ParseFloat(gq, 64)
	if err != nil {
		return 0, Malformed, "GQ=" + gq
	}
	if gqual < f.opts.MinGenotypeQual {
		return 0, LowCoverage, "GQ=" + gq
	}

	gt, ok := r.GenotypeField(col, vcf.GT)
	if !ok {
		return 0, Malformed, "no GT"
	}
	sep := strings.IndexAny(gt, "/|")
	if sep < 0 || strings.ContainsAny(gt[sep+1:], "/|") {
		if gt == vcf.Missing {
			return 0, NoCall, "GT=" + gt
		}
		return 0, Malformed, "GT=" + gt
	}
	var nalt int
	for _, a := range []string{gt[:sep], gt[sep+1:]} {
		if a == vcf.Missing {
			return 0, NoCall, "GT=" + gt
		}
		idx, err := strconv.Atoi(a)
		if err != nil || idx < 0 || idx > len(alts) {
			return 0, Malformed, "GT=" + gt
		}
		if idx == 0 {
			continue
		}
		if f.placeholder[alts[idx-1]] {
			return 0, Malformed, "GT=" + gt + " refers to " + alts[idx-1]
		}
		nalt++
	}
	return Genotype(nalt), Pass, ""
}
