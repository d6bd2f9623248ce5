package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/popgen/encoding/fasta"
	"github.com/grailbio/popgen/encoding/fastq"
	"github.com/grailbio/popgen/taskgraph"
	"github.com/grailbio/popgen/toolexec"
	"github.com/klauspost/compress/gzip"
)

// verifyPairs is the number of read pairs checked for mate concordance.
const verifyPairs = 10000

// Download fetches URL to Path with curl.
type Download struct {
	env  *Env
	URL  string
	Path string
}

func (t *Download) ID() taskgraph.ID            { return taskgraph.NewID("Download", t.URL, t.Path) }
func (t *Download) Requires() []taskgraph.Task { return nil }
func (t *Download) Outputs() []string          { return []string{t.Path} }

func (t *Download) Run(ctx context.Context) error {
	return t.env.run(ctx, t.Outputs(), func() error {
		_, err := toolexec.RunTool(ctx, t.env.Runner, curlCmd{Cmd: t.env.Config.Tools().Curl, URL: t.URL}, t.Path)
		return err
	})
}

// SampleFastq fetches the paired-end reads of a sample from the SRA.
type SampleFastq struct {
	env    *Env
	Sample string
}

func (t *SampleFastq) ID() taskgraph.ID            { return taskgraph.NewID("SampleFastq", t.Sample) }
func (t *SampleFastq) Requires() []taskgraph.Task { return nil }

func (t *SampleFastq) Outputs() []string {
	r1, r2 := t.env.Layout.Fastq(t.Sample)
	return []string{r1, r2}
}

func (t *SampleFastq) Run(ctx context.Context) error {
	return t.env.run(ctx, t.Outputs(), func() error {
		_, err := toolexec.RunTool(ctx, t.env.Runner, fastqDumpCmd{
			Cmd:       t.env.Config.Tools().FastqDump,
			OutDir:    t.env.Layout.FastqDir(),
			Accession: t.Sample,
		}, "")
		return err
	})
}

// Verify checks that the two files hold mates in the same order.
func (t *SampleFastq) Verify(ctx context.Context) error {
	r1, r2 := t.env.Layout.Fastq(t.Sample)
	n, err := fastq.VerifyPair(ctx, r1, r2, verifyPairs)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(errors.Invalid, "no reads", r1)
	}
	return nil
}

// ReferenceFasta decompresses the downloaded reference genome.
type ReferenceFasta struct {
	env    *Env
	Genome string
}

func (t *ReferenceFasta) ID() taskgraph.ID { return taskgraph.NewID("ReferenceFasta", t.Genome) }

func (t *ReferenceFasta) Requires() []taskgraph.Task {
	return []taskgraph.Task{&Download{
		env:  t.env,
		URL:  t.env.Config.Genome().URL,
		Path: t.env.Layout.GenomeArchive(t.Genome),
	}}
}

func (t *ReferenceFasta) Outputs() []string { return []string{t.env.Layout.Fasta(t.Genome)} }

// Run decompresses with unpigz, else gunzip, else in process.
func (t *ReferenceFasta) Run(ctx context.Context) error {
	var (
		in  = t.env.Layout.GenomeArchive(t.Genome)
		out = t.env.Layout.Fasta(t.Genome)
	)
	return t.env.run(ctx, t.Outputs(), func() error {
		prog, err := t.env.LookPath("unpigz", "gunzip")
		if err != nil {
			log.Printf("%v; decompressing %s in process", err, in)
			return gunzip(ctx, in, out)
		}
		cmd := unzipCmd{Cmd: prog, Path: in}
		if strings.HasSuffix(prog, "unpigz") {
			cmd.Threads = t.env.threads()
		}
		_, err = toolexec.RunTool(ctx, t.env.Runner, cmd, out)
		return err
	})
}

func (t *ReferenceFasta) Threads() int { return t.env.threads() }

// gunzip decompresses the gzip file at src to dst.
func gunzip(ctx context.Context, src, dst string) (err error) {
	in, err := file.Open(ctx, src)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, in, &err)
	r, err := gzip.NewReader(in.Reader(ctx))
	if err != nil {
		return errors.E(err, "gunzip", src)
	}
	out, err := file.Create(ctx, dst)
	if err != nil {
		return err
	}
	if _, err = io.Copy(out.Writer(ctx), r); err != nil {
		out.Discard(ctx)
		return errors.E(err, "gunzip", src)
	}
	if err = r.Close(); err != nil {
		out.Discard(ctx)
		return errors.E(err, "gunzip", src)
	}
	return out.Close(ctx)
}

// Faidx writes the FASTA index of the reference.
type Faidx struct {
	env    *Env
	Genome string
}

func (t *Faidx) ID() taskgraph.ID { return taskgraph.NewID("Faidx", t.Genome) }
func (t *Faidx) Requires() []taskgraph.Task {
	return []taskgraph.Task{&ReferenceFasta{env: t.env, Genome: t.Genome}}
}
func (t *Faidx) Outputs() []string { return []string{t.env.Layout.FastaIndex(t.Genome)} }

func (t *Faidx) Run(ctx context.Context) error {
	return t.env.run(ctx, t.Outputs(), func() error {
		return fasta.WriteIndex(ctx, t.env.Layout.Fasta(t.Genome), t.env.Layout.FastaIndex(t.Genome))
	})
}

// SequenceDictionary writes the picard sequence dictionary of the reference.
type SequenceDictionary struct {
	env    *Env
	Genome string
}

func (t *SequenceDictionary) ID() taskgraph.ID {
	return taskgraph.NewID("SequenceDictionary", t.Genome)
}
func (t *SequenceDictionary) Requires() []taskgraph.Task {
	return []taskgraph.Task{&ReferenceFasta{env: t.env, Genome: t.Genome}}
}
func (t *SequenceDictionary) Outputs() []string {
	return []string{t.env.Layout.Dictionary(t.Genome)}
}

func (t *SequenceDictionary) Run(ctx context.Context) error {
	return t.env.run(ctx, t.Outputs(), func() error {
		_, err := toolexec.RunTool(ctx, t.env.Runner, dictionaryCmd{
			Cmd: t.env.Config.Tools().Picard,
			Ref: t.env.Layout.Fasta(t.Genome),
			Out: t.env.Layout.Dictionary(t.Genome),
		}, "")
		return err
	})
}

// BwaIndex builds the bwa index of the reference.
type BwaIndex struct {
	env    *Env
	Genome string
}

func (t *BwaIndex) ID() taskgraph.ID { return taskgraph.NewID("BwaIndex", t.Genome) }
func (t *BwaIndex) Requires() []taskgraph.Task {
	return []taskgraph.Task{&ReferenceFasta{env: t.env, Genome: t.Genome}}
}
func (t *BwaIndex) Outputs() []string { return t.env.Layout.BwaIndex(t.Genome) }

func (t *BwaIndex) Run(ctx context.Context) error {
	return t.env.run(ctx, t.Outputs(), func() error {
		_, err := toolexec.RunTool(ctx, t.env.Runner, bwaIndexCmd{
			Cmd:   t.env.Config.Tools().Bwa,
			Fasta: t.env.Layout.Fasta(t.Genome),
		}, "")
		return err
	})
}

// BwaMem aligns the reads of a sample to the reference. Reads are tagged
// with a read group named after the sample.
type BwaMem struct {
	env            *Env
	Sample, Genome string
}

func (t *BwaMem) ID() taskgraph.ID { return taskgraph.NewID("BwaMem", t.Sample, t.Genome) }
func (t *BwaMem) Requires() []taskgraph.Task {
	return []taskgraph.Task{
		&SampleFastq{env: t.env, Sample: t.Sample},
		&BwaIndex{env: t.env, Genome: t.Genome},
	}
}
func (t *BwaMem) Outputs() []string { return []string{t.env.Layout.Sam(t.Sample)} }
func (t *BwaMem) Threads() int      { return t.env.threads() }

func (t *BwaMem) Run(ctx context.Context) error {
	r1, r2 := t.env.Layout.Fastq(t.Sample)
	return t.env.run(ctx, t.Outputs(), func() error {
		_, err := toolexec.RunTool(ctx, t.env.Runner, bwaMemCmd{
			Cmd:       t.env.Config.Tools().Bwa,
			Threads:   t.env.threads(),
			ReadGroup: fmt.Sprintf(`@RG\tID:%s\tSM:%s`, t.Sample, t.Sample),
			Fasta:     t.env.Layout.Fasta(t.Genome),
			R1:        r1,
			R2:        r2,
		}, t.env.Layout.Sam(t.Sample))
		return err
	})
}

// SortBam converts the alignment of a sample to a coordinate-sorted BAM.
type SortBam struct {
	env            *Env
	Sample, Genome string
}

func (t *SortBam) ID() taskgraph.ID { return taskgraph.NewID("SortBam", t.Sample, t.Genome) }
func (t *SortBam) Requires() []taskgraph.Task {
	return []taskgraph.Task{&BwaMem{env: t.env, Sample: t.Sample, Genome: t.Genome}}
}
func (t *SortBam) Outputs() []string { return []string{t.env.Layout.Bam(t.Sample)} }
func (t *SortBam) Threads() int      { return t.env.threads() }

func (t *SortBam) Run(ctx context.Context) error {
	return t.env.run(ctx, t.Outputs(), func() error {
		_, err := toolexec.RunTool(ctx, t.env.Runner, sortCmd{
			Cmd:         t.env.Config.Tools().Samtools,
			Compression: t.env.Config.Compression(),
			Threads:     t.env.threads(),
			In:          t.env.Layout.Sam(t.Sample),
		}, t.env.Layout.Bam(t.Sample))
		return err
	})
}

// MarkDuplicates repairs mate information and removes PCR duplicates.
type MarkDuplicates struct {
	env            *Env
	Sample, Genome string
}

func (t *MarkDuplicates) ID() taskgraph.ID {
	return taskgraph.NewID("MarkDuplicates", t.Sample, t.Genome)
}
func (t *MarkDuplicates) Requires() []taskgraph.Task {
	return []taskgraph.Task{&SortBam{env: t.env, Sample: t.Sample, Genome: t.Genome}}
}
func (t *MarkDuplicates) Outputs() []string {
	return []string{t.env.Layout.Dedup(t.Sample), t.env.Layout.DedupMetrics(t.Sample)}
}

func (t *MarkDuplicates) Run(ctx context.Context) error {
	var (
		picard  = t.env.Config.Tools().Picard
		fixmate = t.env.Layout.FixMate(t.Sample)
	)
	defer remove(ctx, fixmate)
	return t.env.run(ctx, t.Outputs(), func() error {
		if _, err := toolexec.RunTool(ctx, t.env.Runner, fixMateCmd{
			Cmd: picard,
			In:  t.env.Layout.Bam(t.Sample),
			Out: fixmate,
		}, ""); err != nil {
			return err
		}
		_, err := toolexec.RunTool(ctx, t.env.Runner, markDuplicatesCmd{
			Cmd:     picard,
			In:      fixmate,
			Out:     t.env.Layout.Dedup(t.Sample),
			Metrics: t.env.Layout.DedupMetrics(t.Sample),
		}, "")
		return err
	})
}

// Verify checks that the deduplicated BAM carries the sample's read group.
func (t *MarkDuplicates) Verify(ctx context.Context) (err error) {
	path := t.env.Layout.Dedup(t.Sample)
	in, err := file.Open(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, in, &err)
	reader, err := bam.NewReader(in.Reader(ctx), 1)
	if err != nil {
		return errors.E(err, "read BAM header", path)
	}
	defer reader.Close() // nolint: errcheck
	var names []string
	for _, rg := range reader.Header().RGs() {
		if rg.Name() == t.Sample {
			return nil
		}
		names = append(names, rg.Name())
	}
	return errors.E(errors.Invalid, fmt.Sprintf("%s: read groups %v do not include %s", path, names, t.Sample))
}

// IndexBam indexes the deduplicated BAM of a sample.
type IndexBam struct {
	env            *Env
	Sample, Genome string
}

func (t *IndexBam) ID() taskgraph.ID { return taskgraph.NewID("IndexBam", t.Sample, t.Genome) }
func (t *IndexBam) Requires() []taskgraph.Task {
	return []taskgraph.Task{&MarkDuplicates{env: t.env, Sample: t.Sample, Genome: t.Genome}}
}
func (t *IndexBam) Outputs() []string { return []string{t.env.Layout.DedupIndex(t.Sample)} }

func (t *IndexBam) Run(ctx context.Context) error {
	return t.env.run(ctx, t.Outputs(), func() error {
		_, err := toolexec.RunTool(ctx, t.env.Runner, indexBamCmd{
			Cmd: t.env.Config.Tools().Samtools,
			Bam: t.env.Layout.Dedup(t.Sample),
		}, "")
		return err
	})
}
