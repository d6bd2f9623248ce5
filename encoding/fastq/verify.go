package fastq

import (
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// VerifyPair checks that the R1 and R2 FASTQ files at the given paths are
// mates of each other: both are well formed and the reads carry the same
// names in the same order. At most maxPairs pairs are checked; maxPairs <= 0
// checks the whole files. It returns the number of pairs read.
func VerifyPair(ctx context.Context, r1Path, r2Path string, maxPairs int) (n int, err error) {
	in1, err := file.Open(ctx, r1Path)
	if err != nil {
		return 0, err
	}
	defer file.CloseAndReport(ctx, in1, &err)
	in2, err := file.Open(ctx, r2Path)
	if err != nil {
		return 0, err
	}
	defer file.CloseAndReport(ctx, in2, &err)

	var r1, r2 io.Reader = in1.Reader(ctx), in2.Reader(ctx)
	if u := compress.NewReaderPath(r1, r1Path); u != nil {
		defer u.Close() // nolint: errcheck
		r1 = u
	}
	if u := compress.NewReaderPath(r2, r2Path); u != nil {
		defer u.Close() // nolint: errcheck
		r2 = u
	}
	var (
		scanner = NewPairScanner(r1, r2)
		read1   Read
		read2   Read
	)
	for (maxPairs <= 0 || n < maxPairs) && scanner.Scan(&read1, &read2) {
		if read1.Name() != read2.Name() {
			return n, errors.E(ErrDiscordant, fmt.Sprintf("pair %d: %s vs %s", n, read1.ID, read2.ID), r1Path)
		}
		n++
	}
	if maxPairs > 0 && n == maxPairs {
		return n, nil
	}
	if err := scanner.Err(); err != nil {
		return n, errors.E(err, r1Path, r2Path)
	}
	return n, nil
}
