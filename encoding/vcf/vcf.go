// Package vcf reads Variant Call Format files: a "##" meta block, one
// "#CHROM" column-header line, then one tab-delimited record per site.
//
// Headers and records are decoded into the elPrep VCF data model. Sample
// FORMAT values are kept as strings; interpreting them is left to callers.
package vcf

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/exascience/elprep/v5/utils"
	evcf "github.com/exascience/elprep/v5/vcf"
	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// Fixed column positions.
const (
	ColChrom = iota
	ColPos
	ColID
	ColRef
	ColAlt
	ColQual
	ColFilter
	ColInfo
	ColFormat
	// FirstSample is the column of the first genotype column.
	FirstSample
)

// Missing is the VCF missing-value marker.
const Missing = "."

// FORMAT keys read by callers.
var (
	GT = evcf.GT
	DP = utils.Intern("DP")
	GQ = utils.Intern("GQ")
)

// ErrMalformed is returned by Record accessors when a line cannot be
// interpreted.
var ErrMalformed = errors.New("malformed VCF record")

// Header is the decoded header block of a VCF file.
type Header struct {
	*evcf.Header

	samples map[string]int
}

// Samples returns the names of the genotype columns.
func (h *Header) Samples() []string {
	if len(h.Columns) <= FirstSample {
		return nil
	}
	return h.Columns[FirstSample:]
}

// SampleIndex returns the column index of the named sample.
func (h *Header) SampleIndex(name string) (int, bool) {
	col, ok := h.samples[name]
	return col, ok
}

// addMeta records one "##key=value" line.
func (h *Header) addMeta(line string) {
	i := strings.IndexByte(line, '=')
	if i < 0 {
		h.Meta[line] = append(h.Meta[line], "")
		return
	}
	key, value := line[:i], line[i+1:]
	if key == "fileformat" {
		h.FileFormat = value
		return
	}
	h.Meta[key] = append(h.Meta[key], value)
}

// Record is one data line. Fields and Variant are only valid until the
// next call to Scanner.Scan.
type Record struct {
	// Line is the 1-based line number in the input.
	Line int
	// Fields are the tab-separated columns.
	Fields []string
	// Variant is the decoded record. Its GenotypeData holds one map per
	// sample column, from FORMAT key to the raw string value. Keys that
	// a truncated sample column omits are absent.
	Variant evcf.Variant

	posErr, qualErr error
}

func (r *Record) decode(formats map[string][]utils.Symbol) {
	v := &r.Variant
	*v = evcf.Variant{}
	r.posErr, r.qualErr = nil, nil
	f := r.Fields
	if len(f) <= ColRef {
		r.posErr = errors.E(ErrMalformed, fmt.Sprintf("line %d: %d columns", r.Line, len(f)))
		if len(f) > ColChrom {
			v.Chrom = f[ColChrom]
		}
		return
	}
	v.Chrom, v.Ref = f[ColChrom], f[ColRef]
	if pos, err := strconv.ParseInt(f[ColPos], 10, 32); err != nil || pos <= 0 {
		r.posErr = errors.E(ErrMalformed, fmt.Sprintf("line %d: bad POS %q", r.Line, f[ColPos]))
	} else {
		v.Pos = int32(pos)
	}
	if f[ColID] != Missing {
		v.ID = strings.Split(f[ColID], ";")
	}
	if len(f) > ColAlt && f[ColAlt] != Missing {
		v.Alt = strings.Split(f[ColAlt], ",")
	}
	if len(f) > ColQual && f[ColQual] != Missing {
		if qual, err := strconv.ParseFloat(f[ColQual], 64); err != nil {
			r.qualErr = errors.E(ErrMalformed, fmt.Sprintf("line %d: bad QUAL %q", r.Line, f[ColQual]))
		} else {
			v.Qual = qual
		}
	}
	if len(f) > ColFilter && f[ColFilter] != Missing {
		for _, name := range strings.Split(f[ColFilter], ";") {
			v.Filter = append(v.Filter, utils.Intern(name))
		}
	}
	if len(f) <= ColFormat {
		return
	}
	keys, ok := formats[f[ColFormat]]
	if !ok {
		for _, k := range strings.Split(f[ColFormat], ":") {
			keys = append(keys, utils.Intern(k))
		}
		formats[f[ColFormat]] = keys
	}
	v.GenotypeFormat = keys
	v.GenotypeData = make([]evcf.Genotype, len(f)-FirstSample)
	for i := range v.GenotypeData {
		values := strings.Split(f[FirstSample+i], ":")
		for j, value := range values {
			if j >= len(keys) {
				break
			}
			if _, dup := v.GenotypeData[i].Data.Get(keys[j]); !dup {
				v.GenotypeData[i].Data.Set(keys[j], value)
			}
		}
	}
}

// Chrom returns the CHROM column.
func (r *Record) Chrom() string { return r.Variant.Chrom }

// Ref returns the REF column.
func (r *Record) Ref() string { return r.Variant.Ref }

// Pos returns the 1-based POS column.
func (r *Record) Pos() (int, error) {
	if r.posErr != nil {
		return 0, r.posErr
	}
	return int(r.Variant.Pos), nil
}

// Alts returns the ALT alleles. It is empty when ALT is the missing marker.
func (r *Record) Alts() []string { return r.Variant.Alt }

// Qual returns the QUAL column. ok is false when QUAL is the missing marker.
func (r *Record) Qual() (qual float64, ok bool, err error) {
	if r.qualErr != nil {
		return 0, false, r.qualErr
	}
	qual, ok = r.Variant.Qual.(float64)
	return qual, ok, nil
}

// GenotypeField returns the FORMAT sub-field key of sample column col.
// ok is false when the record's FORMAT lacks key, or the sample column is
// truncated (VCF allows trailing sub-fields to be dropped).
func (r *Record) GenotypeField(col int, key utils.Symbol) (value string, ok bool) {
	i := col - FirstSample
	if i < 0 || i >= len(r.Variant.GenotypeData) {
		return "", false
	}
	v, ok := r.Variant.GenotypeData[i].Data.Get(key)
	if !ok {
		return "", false
	}
	value, ok = v.(string)
	return value, ok
}

// Scanner reads records from a VCF stream. Scanners are not threadsafe.
type Scanner struct {
	b       *bufio.Scanner
	header  Header
	rec     Record
	line    int
	formats map[string][]utils.Symbol
	err     error
}

const maxLineLen = 64 << 20

// NewScanner reads the header block from r and returns a Scanner positioned
// at the first record.
func NewScanner(r io.Reader) (*Scanner, error) {
	s := &Scanner{
		b:       bufio.NewScanner(r),
		header:  Header{Header: evcf.NewHeader()},
		formats: make(map[string][]utils.Symbol),
	}
	s.b.Buffer(make([]byte, 64<<10), maxLineLen)
	for s.b.Scan() {
		s.line++
		line := s.b.Text()
		if strings.HasPrefix(line, "##") {
			s.header.addMeta(line[2:])
			continue
		}
		if !strings.HasPrefix(line, "#") {
			return nil, errors.E(ErrMalformed, fmt.Sprintf("line %d: expected #CHROM header", s.line))
		}
		s.header.Columns = strings.Split(line[1:], "\t")
		if len(s.header.Columns) == 1 {
			s.header.Columns = strings.Fields(line[1:])
		}
		if len(s.header.Columns) < ColInfo+1 {
			return nil, errors.E(ErrMalformed, fmt.Sprintf("line %d: short #CHROM header", s.line))
		}
		s.header.samples = make(map[string]int)
		for i, name := range s.header.Samples() {
			s.header.samples[name] = FirstSample + i
		}
		return s, nil
	}
	if err := s.b.Err(); err != nil {
		return nil, err
	}
	return nil, errors.E(ErrMalformed, "missing #CHROM header")
}

// Header returns the file header.
func (s *Scanner) Header() *Header { return &s.header }

// Scan advances to the next record. Blank lines are skipped. Records are
// decoded but their column count is not validated; use Check.
func (s *Scanner) Scan() bool {
	if s.err != nil {
		return false
	}
	for s.b.Scan() {
		s.line++
		line := s.b.Text()
		if len(line) == 0 {
			continue
		}
		s.rec.Line = s.line
		s.rec.Fields = strings.Split(line, "\t")
		if len(s.rec.Fields) == 1 {
			// Some producers separate columns with spaces.
			s.rec.Fields = strings.Fields(line)
		}
		s.rec.decode(s.formats)
		return true
	}
	s.err = s.b.Err()
	return false
}

// Record returns the current record.
func (s *Scanner) Record() *Record { return &s.rec }

// Err returns the first read error, if any.
func (s *Scanner) Err() error { return s.err }

// Check verifies that the current record has the columns the header
// declares.
func (s *Scanner) Check() error {
	r := &s.rec
	if len(r.Fields) < len(s.header.Columns) {
		return errors.E(ErrMalformed, fmt.Sprintf("line %d: %d columns, header declares %d", r.Line, len(r.Fields), len(s.header.Columns)))
	}
	if len(r.Fields) < ColInfo+1 {
		return errors.E(ErrMalformed, fmt.Sprintf("line %d: %d columns", r.Line, len(r.Fields)))
	}
	return nil
}

// File is a Scanner over a file opened with Open.
type File struct {
	*Scanner
	f   file.File
	dec io.ReadCloser
}

// Open opens the VCF file at path, which may be gzip or bgzip compressed.
func Open(ctx context.Context, path string) (*File, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	dec, _ := compress.NewReader(f.Reader(ctx))
	s, err := NewScanner(dec)
	if err != nil {
		_ = dec.Close()
		_ = f.Close(ctx)
		return nil, errors.E(err, path)
	}
	return &File{Scanner: s, f: f, dec: dec}, nil
}

// Close closes the underlying file.
func (f *File) Close(ctx context.Context) error {
	err := f.dec.Close()
	if e := f.f.Close(ctx); e != nil && err == nil {
		err = e
	}
	return err
}
