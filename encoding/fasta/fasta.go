// Package fasta reads (optionally indexed) reference FASTA files.
// See http://www.htslib.org/doc/faidx.html.  Briefly, FASTA files consist of a
// number of named sequences that may be interrupted by newlines.  For example:
//
// >chr7
// ACGTAC
// GAGGAC
// GCG
// >chr8
// ACGT
//
// Note: Sequence names are defined to be the stretch of characters excluding
// spaces immediately after '>'.  Any text appear after a space are ignored.
// For example, '>chr1 A viral sequence' becomes 'chr1'.
package fasta

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/pkg/errors"
)

const maxLineLen = 1 << 30

// Fasta represents FASTA-formatted data, consisting of a set of named
// sequences.
type Fasta interface {
	// Get returns a substring of the given sequence name at the given
	// coordinates, which are treated as a 0-based half-open interval
	// [start, end). Get is thread-safe.
	Get(seqName string, start, end uint64) (string, error)

	// Len returns the length of the given sequence.
	Len(seqName string) (uint64, error)

	// SeqNames returns the names of all sequences, in the order of appearance in
	// the FASTA file.
	SeqNames() []string
}

type fasta struct {
	seqs     map[string]string
	seqNames []string
}

// New creates a new Fasta that holds all the FASTA data from the given reader
// in memory.
func New(r io.Reader) (Fasta, error) {
	f := &fasta{seqs: make(map[string]string)}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, maxLineLen)
	var (
		seqName string
		seq     strings.Builder
		started bool
	)
	add := func() {
		f.seqs[seqName] = seq.String()
		f.seqNames = append(f.seqNames, seqName)
		seq.Reset()
	}
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if len(line) == 0 {
			continue
		}
		if line[0] == '>' {
			if started {
				add()
			}
			seqName = strings.Split(line[1:], " ")[0]
			started = true
			continue
		}
		if !started {
			return nil, errors.New("malformed FASTA file: sequence data before the first '>' line")
		}
		seq.WriteString(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "couldn't read FASTA data")
	}
	if started {
		add()
	}
	return f, nil
}

// Get implements Fasta.Get().
func (f *fasta) Get(seqName string, start, end uint64) (string, error) {
	s, ok := f.seqs[seqName]
	if !ok {
		return "", errors.Errorf("sequence not found: %s", seqName)
	}
	if end <= start {
		return "", errors.Errorf("start must be less than end")
	}
	if end > uint64(len(s)) {
		return "", errors.Errorf("end is past end of sequence %s: %d", seqName, len(s))
	}
	return s[start:end], nil
}

// Len implements Fasta.Len().
func (f *fasta) Len(seq string) (uint64, error) {
	s, ok := f.seqs[seq]
	if !ok {
		return 0, errors.Errorf("sequence not found: %s", seq)
	}
	return uint64(len(s)), nil
}

// SeqNames implements Fasta.SeqNames().
func (f *fasta) SeqNames() []string {
	return f.seqNames
}

// Reference is an indexed FASTA file opened with Open.
type Reference struct {
	Fasta
	in file.File
}

// Open opens the FASTA file at path for random access. It reads the index
// from path+".fai" when present; otherwise the index is generated in memory.
func Open(ctx context.Context, path string) (*Reference, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	var index []byte
	if index, err = file.ReadFile(ctx, path+".fai"); err != nil {
		log.Debug.Printf("fasta: no index for %s (%v), generating one", path, err)
		var buf bytes.Buffer
		if err = GenerateIndex(&buf, in.Reader(ctx)); err != nil {
			_ = in.Close(ctx)
			return nil, errors.Wrapf(err, "generate index for %s", path)
		}
		index = buf.Bytes()
	}
	fa, err := NewIndexed(in.Reader(ctx), bytes.NewReader(index))
	if err != nil {
		_ = in.Close(ctx)
		return nil, errors.Wrap(err, path)
	}
	return &Reference{Fasta: fa, in: in}, nil
}

// Close closes the underlying file.
func (r *Reference) Close(ctx context.Context) error {
	return r.in.Close(ctx)
}
