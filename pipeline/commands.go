package pipeline

import (
	"os/exec"

	"github.com/grailbio/popgen/toolexec"
)

// Tool declarations. Fields render to arguments through their buildarg
// templates; empty optional fields render to nothing.

type curlCmd struct {
	Cmd   string `buildarg:"{{if .}}{{.}}{{else}}curl{{end}}"`
	Flags string `buildarg:"-sSfL"`
	URL   string `buildarg:"{{.}}"`
}

func (c curlCmd) BuildCommand() (*exec.Cmd, error) { return toolexec.Build(c) }

type fastqDumpCmd struct {
	Cmd       string `buildarg:"{{if .}}{{.}}{{else}}fastq-dump{{end}}"`
	Gzip      string `buildarg:"--gzip"`
	Split     string `buildarg:"--split-files"`
	OutDir    string `buildarg:"--outdir{{split}}{{.}}"`
	Accession string `buildarg:"{{.}}"`
}

func (c fastqDumpCmd) BuildCommand() (*exec.Cmd, error) { return toolexec.Build(c) }

// unzipCmd decompresses to stdout with unpigz or gunzip. Threads is only
// understood by unpigz.
type unzipCmd struct {
	Cmd     string `buildarg:"{{.}}"`
	Stdout  string `buildarg:"-c"`
	Threads int    `buildarg:"{{if .}}-p{{split}}{{.}}{{end}}"`
	Path    string `buildarg:"{{.}}"`
}

func (c unzipCmd) BuildCommand() (*exec.Cmd, error) { return toolexec.Build(c) }

type dictionaryCmd struct {
	Cmd  string `buildarg:"{{if .}}{{.}}{{else}}picard{{end}}"`
	Tool string `buildarg:"CreateSequenceDictionary"`
	Ref  string `buildarg:"R={{.}}"`
	Out  string `buildarg:"O={{.}}"`
}

func (c dictionaryCmd) BuildCommand() (*exec.Cmd, error) { return toolexec.Build(c) }

type bwaIndexCmd struct {
	Cmd   string `buildarg:"{{if .}}{{.}}{{else}}bwa{{end}}"`
	Sub   string `buildarg:"index"`
	Algo  string `buildarg:"-a{{split}}bwtsw"`
	Fasta string `buildarg:"{{.}}"`
}

func (c bwaIndexCmd) BuildCommand() (*exec.Cmd, error) { return toolexec.Build(c) }

type bwaMemCmd struct {
	Cmd       string `buildarg:"{{if .}}{{.}}{{else}}bwa{{end}}"`
	Sub       string `buildarg:"mem"`
	Threads   int    `buildarg:"{{if .}}-t{{split}}{{.}}{{end}}"`
	ReadGroup string `buildarg:"{{if .}}-R{{split}}{{.}}{{end}}"`
	Fasta     string `buildarg:"{{.}}"`
	R1        string `buildarg:"{{.}}"`
	R2        string `buildarg:"{{.}}"`
}

func (c bwaMemCmd) BuildCommand() (*exec.Cmd, error) { return toolexec.Build(c) }

type sortCmd struct {
	Cmd         string `buildarg:"{{if .}}{{.}}{{else}}samtools{{end}}"`
	Sub         string `buildarg:"sort"`
	Compression int    `buildarg:"-l{{split}}{{.}}"`
	Threads     int    `buildarg:"{{if .}}-@{{split}}{{.}}{{end}}"`
	Format      string `buildarg:"-O{{split}}bam"`
	In          string `buildarg:"{{.}}"`
}

func (c sortCmd) BuildCommand() (*exec.Cmd, error) { return toolexec.Build(c) }

type fixMateCmd struct {
	Cmd  string `buildarg:"{{if .}}{{.}}{{else}}picard{{end}}"`
	Tool string `buildarg:"FixMateInformation"`
	In   string `buildarg:"INPUT={{.}}"`
	Out  string `buildarg:"OUTPUT={{.}}"`
}

func (c fixMateCmd) BuildCommand() (*exec.Cmd, error) { return toolexec.Build(c) }

type markDuplicatesCmd struct {
	Cmd     string `buildarg:"{{if .}}{{.}}{{else}}picard{{end}}"`
	Tool    string `buildarg:"MarkDuplicates"`
	In      string `buildarg:"INPUT={{.}}"`
	Out     string `buildarg:"OUTPUT={{.}}"`
	Metrics string `buildarg:"METRICS_FILE={{.}}"`
	Remove  string `buildarg:"REMOVE_DUPLICATES=true"`
	Quiet   string `buildarg:"QUIET=true"`
}

func (c markDuplicatesCmd) BuildCommand() (*exec.Cmd, error) { return toolexec.Build(c) }

type indexBamCmd struct {
	Cmd string `buildarg:"{{if .}}{{.}}{{else}}samtools{{end}}"`
	Sub string `buildarg:"index"`
	BAI string `buildarg:"-b"`
	Bam string `buildarg:"{{.}}"`
}

func (c indexBamCmd) BuildCommand() (*exec.Cmd, error) { return toolexec.Build(c) }

// haplotypeCallerCmd emits a record for every callable site, reference
// blocks included, so that monomorphic sites count towards the spectrum.
type haplotypeCallerCmd struct {
	Cmd       string   `buildarg:"{{if .}}{{.}}{{else}}gatk{{end}}"`
	Tool      string   `buildarg:"HaplotypeCaller"`
	Ref       string   `buildarg:"-R{{split}}{{.}}"`
	Bams      []string `buildarg:"{{range $i, $b := .}}{{if $i}}{{split}}{{end}}-I{{split}}{{$b}}{{end}}"`
	Intervals string   `buildarg:"{{if .}}-L{{split}}{{.}}{{end}}"`
	RefConf   string   `buildarg:"--emit-ref-confidence{{split}}BP_RESOLUTION"`
	Mode      string   `buildarg:"--output-mode{{split}}EMIT_ALL_ACTIVE_SITES"`
	CallConf  string   `buildarg:"--standard-min-confidence-threshold-for-calling{{split}}30"`
	Out       string   `buildarg:"-O{{split}}{{.}}"`
}

func (c haplotypeCallerCmd) BuildCommand() (*exec.Cmd, error) { return toolexec.Build(c) }
