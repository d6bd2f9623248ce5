package fasta

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
)

// faiEntry locates one sequence in a FASTA file. It is parsed from a .fai
// line "<name>\t<length>\t<offset>\t<bases per line>\t<bytes per line>".
type faiEntry struct {
	length, offset, lineBases, lineWidth uint64
}

// byteOffset returns the file offset of the base at 0-based position pos.
func (e faiEntry) byteOffset(pos uint64) uint64 {
	return e.offset + pos/e.lineBases*e.lineWidth + pos%e.lineBases
}

func parseFaiLine(line string) (string, faiEntry, error) {
	f := strings.Split(line, "\t")
	if len(f) < 5 || f[0] == "" {
		return "", faiEntry{}, errors.E(errors.Invalid, "fasta index line", line)
	}
	var v [4]uint64
	for i := range v {
		n, err := strconv.ParseUint(f[i+1], 10, 64)
		if err != nil {
			return "", faiEntry{}, errors.E(errors.Invalid, err, "fasta index line", line)
		}
		v[i] = n
	}
	e := faiEntry{length: v[0], offset: v[1], lineBases: v[2], lineWidth: v[3]}
	if e.lineBases == 0 || e.lineWidth < e.lineBases {
		return "", faiEntry{}, errors.E(errors.Invalid, "fasta index line: bad line geometry", line)
	}
	return f[0], e, nil
}

func readFai(index io.Reader) (map[string]faiEntry, []string, error) {
	var (
		seqs  = make(map[string]faiEntry)
		names []string
		s     = bufio.NewScanner(index)
	)
	for s.Scan() {
		if s.Text() == "" {
			continue
		}
		name, e, err := parseFaiLine(s.Text())
		if err != nil {
			return nil, nil, err
		}
		if _, ok := seqs[name]; ok {
			return nil, nil, errors.E(errors.Invalid, "fasta index: duplicate sequence", name)
		}
		seqs[name] = e
		names = append(names, name)
	}
	if err := s.Err(); err != nil {
		return nil, nil, err
	}
	sort.SliceStable(names, func(i, j int) bool { return seqs[names[i]].offset < seqs[names[j]].offset })
	return seqs, names, nil
}

// indexedFasta reads sequence ranges on demand. Get calls are serialized
// since they share the reader.
type indexedFasta struct {
	mu    sync.Mutex
	in    io.ReadSeeker
	seqs  map[string]faiEntry
	names []string
	raw   []byte
}

// NewIndexed returns a Fasta that reads the ranges it is asked for from
// fasta, using the .fai index to locate them. Nothing is read up front.
func NewIndexed(fasta io.ReadSeeker, index io.Reader) (Fasta, error) {
	seqs, names, err := readFai(index)
	if err != nil {
		return nil, err
	}
	return &indexedFasta{in: fasta, seqs: seqs, names: names}, nil
}

// FaiToReferenceLengths returns the sequence lengths recorded in a .fai
// index.
func FaiToReferenceLengths(index io.Reader) (map[string]uint64, error) {
	seqs, _, err := readFai(index)
	if err != nil {
		return nil, err
	}
	lengths := make(map[string]uint64, len(seqs))
	for name, e := range seqs {
		lengths[name] = e.length
	}
	return lengths, nil
}

func (f *indexedFasta) Len(seqName string) (uint64, error) {
	e, ok := f.seqs[seqName]
	if !ok {
		return 0, fmt.Errorf("sequence not found in index: %s", seqName)
	}
	return e.length, nil
}

func (f *indexedFasta) SeqNames() []string { return f.names }

func (f *indexedFasta) Get(seqName string, start, end uint64) (string, error) {
	e, ok := f.seqs[seqName]
	switch {
	case !ok:
		return "", fmt.Errorf("sequence not found in index: %s", seqName)
	case end <= start:
		return "", fmt.Errorf("start must be less than end")
	case end > e.length:
		return "", fmt.Errorf("end is past end of sequence %s: %d", seqName, e.length)
	}
	from, to := e.byteOffset(start), e.byteOffset(end-1)+1

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.in.Seek(int64(from), io.SeekStart); err != nil {
		return "", errors.E(err, "fasta: seek", seqName)
	}
	n := int(to - from)
	if cap(f.raw) < n {
		f.raw = make([]byte, n)
	}
	raw := f.raw[:n]
	if _, err := io.ReadFull(f.in, raw); err != nil {
		return "", errors.E(err, fmt.Sprintf("fasta: read %s:%d-%d (index out of date?)", seqName, start, end))
	}
	// Drop the line terminators inside the range.
	var (
		seq = make([]byte, 0, end-start)
		col = start % e.lineBases
	)
	for len(raw) > 0 {
		take := e.lineBases - col
		if take > uint64(len(raw)) {
			take = uint64(len(raw))
		}
		seq = append(seq, raw[:take]...)
		raw = raw[take:]
		skip := e.lineWidth - e.lineBases
		if skip > uint64(len(raw)) {
			skip = uint64(len(raw))
		}
		raw = raw[skip:]
		col = 0
	}
	return string(seq), nil
}
