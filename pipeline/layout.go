package pipeline

import (
	"fmt"
	"path/filepath"

	"github.com/grailbio/popgen/inference"
)

// bwaIndexExtensions are the suffixes of the files written by "bwa index".
var bwaIndexExtensions = []string{"amb", "ann", "bwt", "pac", "sa"}

// Layout maps artifacts to their paths under a work directory. Every path is
// a function of the artifact's identity only.
type Layout struct {
	Root string
}

func (l Layout) path(elem ...string) string {
	return filepath.Join(append([]string{l.Root}, elem...)...)
}

// GenomeArchive is the downloaded, compressed reference.
func (l Layout) GenomeArchive(genome string) string { return l.path("fasta", genome+".fa.gz") }

// Fasta is the uncompressed reference.
func (l Layout) Fasta(genome string) string { return l.path("fasta", genome+".fa") }

// FastaIndex is the samtools-style index of the reference.
func (l Layout) FastaIndex(genome string) string { return l.Fasta(genome) + ".fai" }

// Dictionary is the picard sequence dictionary of the reference.
func (l Layout) Dictionary(genome string) string { return l.path("fasta", genome+".dict") }

// BwaIndex lists the files of the bwa index of the reference.
func (l Layout) BwaIndex(genome string) []string {
	paths := make([]string, len(bwaIndexExtensions))
	for i, ext := range bwaIndexExtensions {
		paths[i] = l.Fasta(genome) + "." + ext
	}
	return paths
}

// FastqDir holds the paired FASTQ files of all samples.
func (l Layout) FastqDir() string { return l.path("fastq") }

// Fastq returns the R1 and R2 files of sample.
func (l Layout) Fastq(sample string) (r1, r2 string) {
	return l.path("fastq", sample+"_1.fastq.gz"), l.path("fastq", sample+"_2.fastq.gz")
}

// Sam is the unsorted alignment of sample.
func (l Layout) Sam(sample string) string { return l.path("sam", sample+".sam") }

// Bam is the coordinate-sorted alignment of sample.
func (l Layout) Bam(sample string) string { return l.path("bam", sample+".bam") }

// FixMate is the intermediate alignment with mate information repaired.
func (l Layout) FixMate(sample string) string { return l.path("bam", sample+".fixmate.bam") }

// Dedup is the alignment of sample with PCR duplicates removed.
func (l Layout) Dedup(sample string) string { return l.path("bam", sample+".rmdup.bam") }

// DedupMetrics is the duplication report of sample.
func (l Layout) DedupMetrics(sample string) string { return l.path("bam", sample+".rmdup.txt") }

// DedupIndex is the BAI index of Dedup(sample).
func (l Layout) DedupIndex(sample string) string { return l.Dedup(sample) + ".bai" }

// Targets is the normalized capture region list passed to the caller.
func (l Layout) Targets() string { return l.path("fasta", "targets.intervals") }

// VCF is the variant calls of population.
func (l Layout) VCF(pop string) string { return l.path("vcf", pop+".vcf") }

// Data is the allele count table of group.
func (l Layout) Data(group string) string { return l.path("fsdata", group+".data") }

// Audit is the filter decision log of group.
func (l Layout) Audit(group string) string { return l.path("fsdata", group+".log") }

// Spectrum is the joint spectrum of pop1 and pop2 within group.
func (l Layout) Spectrum(group, pop1, pop2 string) string {
	return l.path("fsdata", fmt.Sprintf("%s_%s_%s.fs", group, pop1, pop2))
}

// Batch is the ranked result file of one optimization batch of unit.
func (l Layout) Batch(u inference.Unit, batch int) string {
	return l.path("fsdata", u.Group, fmt.Sprintf("%s.%d.rio", u, batch))
}

// Plot is the best-fit comparison page of one optimization batch of unit.
func (l Layout) Plot(u inference.Unit, batch int) string {
	return l.path("plot", u.Group, fmt.Sprintf("dadi.%s_%d.html", u, batch))
}

// CSV is the merged ranked results of unit.
func (l Layout) CSV(u inference.Unit) string {
	return l.path("fsdata", u.Group, u.String()+".csv")
}

// Summary is the best fit of unit in absolute units.
func (l Layout) Summary(u inference.Unit) string {
	return l.path("fsdata", u.Group, u.String()+".summary.tsv")
}
