package pipeline

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/popgen/encoding/fasta"
	"github.com/grailbio/popgen/interval"
	"github.com/grailbio/popgen/sfs"
	"github.com/grailbio/popgen/spectrum"
	"github.com/grailbio/popgen/taskgraph"
	"github.com/grailbio/popgen/toolexec"
)

// IntervalList normalizes the configured capture regions into a region
// list the variant caller reads.
type IntervalList struct {
	env *Env
}

func (t *IntervalList) ID() taskgraph.ID            { return taskgraph.NewID("IntervalList") }
func (t *IntervalList) Requires() []taskgraph.Task { return nil }
func (t *IntervalList) Outputs() []string          { return []string{t.env.Layout.Targets()} }

// source is the configured region file. Relative paths are resolved
// against the work directory.
func (t *IntervalList) source() string {
	path := t.env.Config.Targets()
	if filepath.IsAbs(path) || path == "" {
		return path
	}
	return filepath.Join(t.env.Config.WorkDir(), path)
}

func (t *IntervalList) Run(ctx context.Context) error {
	return t.env.run(ctx, t.Outputs(), func() error {
		entries, err := interval.LoadPath(ctx, t.source())
		if err != nil {
			return err
		}
		set, err := interval.NewSet(entries)
		if err != nil {
			return errors.E(err, t.source())
		}
		return create(ctx, t.env.Layout.Targets(), func(w io.Writer) error {
			return interval.WriteIntervalList(w, set.Entries())
		})
	})
}

// targets returns the interval task, or nil when no regions are configured.
func (e *Env) targets() *IntervalList {
	if e.Config.Targets() == "" {
		return nil
	}
	return &IntervalList{env: e}
}

// CallVariants calls the variants of the samples of a population jointly,
// emitting every callable site.
type CallVariants struct {
	env                *Env
	Population, Genome string
}

func (t *CallVariants) ID() taskgraph.ID {
	return taskgraph.NewID("CallVariants", t.Population, t.Genome)
}

func (t *CallVariants) Requires() []taskgraph.Task {
	deps := []taskgraph.Task{
		&Faidx{env: t.env, Genome: t.Genome},
		&SequenceDictionary{env: t.env, Genome: t.Genome},
	}
	if targets := t.env.targets(); targets != nil {
		deps = append(deps, targets)
	}
	for _, s := range t.env.Config.Samples(t.Population) {
		deps = append(deps, &IndexBam{env: t.env, Sample: s, Genome: t.Genome})
	}
	return deps
}

func (t *CallVariants) Outputs() []string { return []string{t.env.Layout.VCF(t.Population)} }
func (t *CallVariants) Threads() int      { return t.env.threads() }

func (t *CallVariants) Run(ctx context.Context) error {
	cmd := haplotypeCallerCmd{
		Cmd: t.env.Config.Tools().Gatk,
		Ref: t.env.Layout.Fasta(t.Genome),
		Out: t.env.Layout.VCF(t.Population),
	}
	for _, s := range t.env.Config.Samples(t.Population) {
		cmd.Bams = append(cmd.Bams, t.env.Layout.Dedup(s))
	}
	if t.env.targets() != nil {
		cmd.Intervals = t.env.Layout.Targets()
	}
	// GATK also writes an index next to the VCF.
	outputs := append(t.Outputs(), t.env.Layout.VCF(t.Population)+".idx")
	return t.env.run(ctx, outputs, func() error {
		_, err := toolexec.RunTool(ctx, t.env.Runner, cmd, "")
		return err
	})
}

// SiteFrequencySpectrum filters the variant calls of the populations of a
// group and writes their allele count table with an audit log of the
// filter's decisions.
type SiteFrequencySpectrum struct {
	env   *Env
	Group string
}

func (t *SiteFrequencySpectrum) ID() taskgraph.ID {
	return taskgraph.NewID("SiteFrequencySpectrum", t.Group)
}

func (t *SiteFrequencySpectrum) genome() string { return t.env.Config.Genome().Name }

func (t *SiteFrequencySpectrum) pops() []string {
	pops, _ := t.env.Config.Group(t.Group)
	return pops
}

func (t *SiteFrequencySpectrum) Requires() []taskgraph.Task {
	deps := []taskgraph.Task{&Faidx{env: t.env, Genome: t.genome()}}
	if targets := t.env.targets(); targets != nil {
		deps = append(deps, targets)
	}
	for _, pop := range t.pops() {
		deps = append(deps, &CallVariants{env: t.env, Population: pop, Genome: t.genome()})
	}
	return deps
}

func (t *SiteFrequencySpectrum) Outputs() []string {
	return []string{t.env.Layout.Data(t.Group), t.env.Layout.Audit(t.Group)}
}

// filterOpts returns the configured filter with the capture regions loaded.
func (t *SiteFrequencySpectrum) filterOpts(ctx context.Context) (sfs.Opts, error) {
	opts := t.env.Config.FilterOpts()
	if t.env.targets() == nil {
		return opts, nil
	}
	entries, err := interval.LoadPath(ctx, t.env.Layout.Targets())
	if err != nil {
		return opts, err
	}
	if opts.Targets, err = interval.NewSet(entries); err != nil {
		return opts, errors.E(err, t.env.Layout.Targets())
	}
	return opts, nil
}

// outgroup returns the configured outgroup if it belongs to the group.
func (t *SiteFrequencySpectrum) outgroup() string {
	og := t.env.Config.Outgroup()
	for _, pop := range t.pops() {
		if pop == og {
			return og
		}
	}
	return ""
}

func (t *SiteFrequencySpectrum) Run(ctx context.Context) error {
	return t.env.run(ctx, t.Outputs(), func() error {
		opts, err := t.filterOpts(ctx)
		if err != nil {
			return err
		}
		var (
			names = t.pops()
			pops  = make([]sfs.Population, len(names))
			paths = make(map[string]string)
			audit sfs.AuditLog
		)
		for i, name := range names {
			pops[i] = sfs.Population{Name: name, Samples: t.env.Config.Samples(name)}
			paths[name] = t.env.Layout.VCF(name)
		}
		data, err := sfs.Build(ctx, pops, paths, opts, &audit)
		if err != nil {
			return err
		}
		ref, err := fasta.Open(ctx, t.env.Layout.Fasta(t.genome()))
		if err != nil {
			return err
		}
		sfs.FillContext(data, ref.Fasta)
		if err := ref.Close(ctx); err != nil {
			return err
		}
		n, err := sfs.WriteDataPath(ctx, t.env.Layout.Data(t.Group), data, names, sfs.WriteOpts{
			Outgroup:    t.outgroup(),
			Fingerprint: opts.Fingerprint(),
		})
		if err != nil {
			return err
		}
		log.Printf("%s: wrote %d sites, %d filter decisions logged", t.env.Layout.Data(t.Group), n, len(audit.Skips()))
		return create(ctx, t.env.Layout.Audit(t.Group), func(w io.Writer) error {
			return sfs.WriteAudit(w, audit.Skips())
		})
	})
}

// Verify rejects a table produced with other filter settings, or for other
// populations.
func (t *SiteFrequencySpectrum) Verify(ctx context.Context) error {
	opts, err := t.filterOpts(ctx)
	if err != nil {
		return err
	}
	path := t.env.Layout.Data(t.Group)
	_, pops, fingerprint, err := sfs.ReadDataPath(ctx, path)
	if err != nil {
		return err
	}
	if want := opts.Fingerprint(); fingerprint != want {
		return errors.E(errors.Invalid, fmt.Sprintf("%s: filter %q, want %q", path, fingerprint, want))
	}
	if want := t.pops(); fmt.Sprint(pops) != fmt.Sprint(want) {
		return errors.E(errors.Invalid, fmt.Sprintf("%s: populations %v, want %v", path, pops, want))
	}
	return nil
}

// JointSpectrum projects the allele counts of two populations of a group
// into their joint frequency spectrum. The spectrum is polarized by the
// outgroup unless configured otherwise.
type JointSpectrum struct {
	env               *Env
	Group, Pop1, Pop2 string
}

func (t *JointSpectrum) ID() taskgraph.ID {
	return taskgraph.NewID("JointSpectrum", t.Group, t.Pop1, t.Pop2)
}

func (t *JointSpectrum) data() *SiteFrequencySpectrum {
	return &SiteFrequencySpectrum{env: t.env, Group: t.Group}
}

func (t *JointSpectrum) Requires() []taskgraph.Task { return []taskgraph.Task{t.data()} }

func (t *JointSpectrum) Outputs() []string {
	return []string{t.env.Layout.Spectrum(t.Group, t.Pop1, t.Pop2)}
}

func (t *JointSpectrum) Run(ctx context.Context) error {
	path := t.env.Layout.Spectrum(t.Group, t.Pop1, t.Pop2)
	return t.env.run(ctx, t.Outputs(), func() error {
		data, _, _, err := sfs.ReadDataPath(ctx, t.env.Layout.Data(t.Group))
		if err != nil {
			return err
		}
		proj := [2]int{
			spectrum.ProjectionSize(len(t.env.Config.Samples(t.Pop1))),
			spectrum.ProjectionSize(len(t.env.Config.Samples(t.Pop2))),
		}
		polarized := !t.env.Config.Optimize().Unpolarized && t.data().outgroup() != ""
		fs, err := spectrum.FromData(data, [2]string{t.Pop1, t.Pop2}, proj, polarized)
		if err != nil {
			return errors.E(err, path)
		}
		log.Printf("%s: %v spectrum, %g sites", path, proj, fs.Sum())
		return spectrum.WriteFile(ctx, path, fs)
	})
}
