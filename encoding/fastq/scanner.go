// Package fastq reads the paired FASTQ files produced by the read
// downloader and checks that they are usable by the aligner.
package fastq

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrShort is returned when a file ends in the middle of a record.
	ErrShort = errors.New("short FASTQ file")
	// ErrInvalid is returned when a record is malformed.
	ErrInvalid = errors.New("invalid FASTQ file")
	// ErrDiscordant is returned when the two files of a pair do not hold
	// mates of each other.
	ErrDiscordant = errors.New("discordant FASTQ pairs")
)

// FormatError locates a malformed record.
type FormatError struct {
	// Line is the 1-based line at which the problem was detected.
	Line int
	Err  error
	// Detail, if set, describes the problem further.
	Detail string
}

func (e *FormatError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("line %d: %v: %s", e.Line, e.Err, e.Detail)
}

func (e *FormatError) Unwrap() error { return e.Err }

// A Read is one FASTQ record. The "+" separator line is not kept.
type Read struct {
	ID, Seq, Qual string
}

// Name returns the read name: the ID line without its leading '@', its
// comment, and any trailing "/1" or "/2" mate suffix.
func (r *Read) Name() string {
	name := strings.TrimPrefix(r.ID, "@")
	if i := strings.IndexAny(name, " \t"); i >= 0 {
		name = name[:i]
	}
	if n := len(name); n > 2 && name[n-2] == '/' && (name[n-1] == '1' || name[n-1] == '2') {
		name = name[:n-2]
	}
	return name
}

// Scanner reads four-line FASTQ records. It checks that the ID line starts
// with '@', that the separator starts with '+', and that the sequence and
// quality strings have the same length. A Scanner is not thread-safe.
type Scanner struct {
	b    *bufio.Scanner
	line int
	err  error
	done bool
}

// NewScanner returns a Scanner reading uncompressed FASTQ data from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{b: bufio.NewScanner(r)}
}

// next reads the next line of the current record.
func (s *Scanner) next() (string, bool) {
	if !s.b.Scan() {
		if s.err = s.b.Err(); s.err == nil {
			s.err = &FormatError{Line: s.line + 1, Err: ErrShort}
		}
		return "", false
	}
	s.line++
	return strings.TrimRight(s.b.Text(), "\r"), true
}

func (s *Scanner) fail(err error, detail string) bool {
	s.err = &FormatError{Line: s.line, Err: err, Detail: detail}
	return false
}

// Scan reads the next record into read. It returns false at the end of the
// input or on error; Err tells the two apart. Once Scan returns false it
// keeps returning false.
func (s *Scanner) Scan(read *Read) bool {
	if s.err != nil || s.done {
		return false
	}
	if !s.b.Scan() {
		s.err = s.b.Err()
		s.done = true
		return false
	}
	s.line++
	id := strings.TrimRight(s.b.Text(), "\r")
	if !strings.HasPrefix(id, "@") {
		return s.fail(ErrInvalid, "ID line does not start with '@'")
	}
	seq, ok := s.next()
	if !ok {
		return false
	}
	sep, ok := s.next()
	if !ok {
		return false
	}
	if !strings.HasPrefix(sep, "+") {
		return s.fail(ErrInvalid, "separator line does not start with '+'")
	}
	qual, ok := s.next()
	if !ok {
		return false
	}
	if len(qual) != len(seq) {
		return s.fail(ErrInvalid, fmt.Sprintf("%d bases, %d qualities", len(seq), len(qual)))
	}
	read.ID, read.Seq, read.Qual = id, seq, qual
	return true
}

// Err returns the error that stopped scanning, or nil at a clean end of
// input.
func (s *Scanner) Err() error { return s.err }

// PairScanner reads the R1 and R2 files of a read pair in lockstep.
type PairScanner struct {
	r1, r2 *Scanner
	err    error
}

// NewPairScanner returns a PairScanner over the R1 and R2 streams.
func NewPairScanner(r1, r2 io.Reader) *PairScanner {
	return &PairScanner{r1: NewScanner(r1), r2: NewScanner(r2)}
}

// Scan reads the next pair into r1 and r2. It reports ErrDiscordant when one
// file ends before the other.
func (p *PairScanner) Scan(r1, r2 *Read) bool {
	ok1 := p.r1.Scan(r1)
	ok2 := p.r2.Scan(r2)
	if ok1 != ok2 && p.r1.Err() == nil && p.r2.Err() == nil {
		p.err = ErrDiscordant
	}
	return ok1 && ok2
}

// Err returns the first error of either stream, or ErrDiscordant.
func (p *PairScanner) Err() error {
	if err := p.r1.Err(); err != nil {
		return err
	}
	if err := p.r2.Err(); err != nil {
		return err
	}
	return p.err
}
