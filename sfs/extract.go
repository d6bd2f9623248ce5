package sfs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/popgen/encoding/vcf"
)

// Population is a named group of samples whose calls live in one VCF file.
type Population struct {
	Name    string
	Samples []string
}

// Auditor receives every skip decision. Implementations must be safe for
// concurrent use.
type Auditor interface {
	Skip(s Skip)
}

// Stats counts the decisions made while extracting one population.
type Stats struct {
	Records int
	Sites   int
	Calls   int
	// Skipped counts site and sample skips by reason.
	Skipped map[Reason]int
}

func (s Stats) String() string {
	reasons := make([]string, 0, len(s.Skipped))
	for r, n := range s.Skipped {
		reasons = append(reasons, fmt.Sprintf("%v=%d", r, n))
	}
	sort.Strings(reasons)
	return fmt.Sprintf("records=%d sites=%d calls=%d skipped[%s]", s.Records, s.Sites, s.Calls, strings.Join(reasons, " "))
}

func report(audit Auditor, stats *Stats, s Skip) {
	stats.Skipped[s.Reason]++
	if s.Sample == "" {
		log.Debug.Printf("%s %s:%d: skip site: %v %s", s.Population, s.Chrom, s.Pos, s.Reason, s.Detail)
	} else {
		log.Debug.Printf("%s %s:%d: skip sample %s: %v %s", s.Population, s.Chrom, s.Pos, s.Sample, s.Reason, s.Detail)
	}
	if audit != nil {
		audit.Skip(s)
	}
}

// Extract reads the VCF file at path and counts the alleles called for the
// samples of pop. Records that cannot be parsed are reported as Malformed
// and skipped.
func Extract(ctx context.Context, pop Population, path string, opts Opts, audit Auditor) (*Data, Stats, error) {
	stats := Stats{Skipped: make(map[Reason]int)}
	in, err := vcf.Open(ctx, path)
	if err != nil {
		return nil, stats, errors.E(err, "sfs: open", path)
	}
	defer func() {
		if e := in.Close(ctx); e != nil {
			log.Error.Printf("sfs: close %s: %v", path, e)
		}
	}()
	filter, err := NewFilter(in.Header(), pop.Name, pop.Samples, opts)
	if err != nil {
		return nil, stats, errors.E(err, path)
	}
	data := NewData()
	for in.Scan() {
		stats.Records++
		rec := in.Record()
		if err := in.Check(); err != nil {
			report(audit, &stats, Skip{Population: pop.Name, Chrom: rec.Fields[vcf.ColChrom], Reason: Malformed, Detail: err.Error()})
			continue
		}
		dec := filter.Apply(rec)
		if dec.Reason != Pass {
			report(audit, &stats, Skip{Population: pop.Name, Chrom: dec.Chrom, Pos: dec.Pos, Reason: dec.Reason, Detail: dec.Detail})
			continue
		}
		for _, s := range dec.Skips {
			report(audit, &stats, s)
		}
		stats.Sites++
		stats.Calls += len(dec.Calls)
		data.Add(pop.Name, dec)
		if stats.Records%100000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, stats, err
			}
		}
	}
	if err := in.Err(); err != nil {
		return nil, stats, errors.E(err, "sfs: read", path)
	}
	log.Printf("sfs: %s (%s): %v", pop.Name, path, stats)
	return data, stats, nil
}

// Build extracts each population from its VCF file, paths[pop.Name],
// concurrently, and merges the results. The result does not depend on the
// order of pops.
func Build(ctx context.Context, pops []Population, paths map[string]string, opts Opts, audit Auditor) (*Data, error) {
	for _, pop := range pops {
		if _, ok := paths[pop.Name]; !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("sfs: no VCF for population %s", pop.Name))
		}
	}
	parts := make([]*Data, len(pops))
	err := traverse.Each(len(pops), func(i int) error {
		var err error
		parts[i], _, err = Extract(ctx, pops[i], paths[pops[i].Name], opts, audit)
		return err
	})
	if err != nil {
		return nil, err
	}
	data := NewData()
	for _, p := range parts {
		data.Merge(p)
	}
	if opts.PruneZeroCoverage {
		n := data.PruneZeroCoverage()
		log.Printf("sfs: pruned %d sites without coverage", n)
	}
	return data, nil
}

// AuditLog collects skip decisions in memory. It is safe for concurrent
// use.
type AuditLog struct {
	mu    sync.Mutex
	skips []Skip
}

// Skip implements Auditor.
func (a *AuditLog) Skip(s Skip) {
	a.mu.Lock()
	a.skips = append(a.skips, s)
	a.mu.Unlock()
}

// Skips returns the collected decisions, ordered by site, population,
// sample.
func (a *AuditLog) Skips() []Skip {
	a.mu.Lock()
	defer a.mu.Unlock()
	skips := append([]Skip(nil), a.skips...)
	sort.SliceStable(skips, func(i, j int) bool {
		ki, kj := SiteKey{skips[i].Chrom, skips[i].Pos}, SiteKey{skips[j].Chrom, skips[j].Pos}
		if ki != kj {
			return ki.Less(kj)
		}
		if skips[i].Population != skips[j].Population {
			return skips[i].Population < skips[j].Population
		}
		return skips[i].Sample < skips[j].Sample
	})
	return skips
}
