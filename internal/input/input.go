// Package input reads chunks from an io.Reader (ordinarily os.Stdin)
// split on a caller-chosen separator byte, the submitter's source of
// commands to relay.
//
// Grounded on original_source/src/client/input.c for the chunking
// contract (a final residual chunk is emitted on EOF even without a
// trailing separator) and ioutils/delim/io.go for the
// bufio.Reader.ReadBytes(delim) scanning idiom it reuses directly.
package input

import (
	"bufio"
	"context"
	"io"
)

// Reader scans r for chunks terminated by sep, emitting each chunk with
// the separator stripped.
type Reader struct {
	br  *bufio.Reader
	sep byte
}

// New wraps r, splitting on sep (typically '\n').
func New(r io.Reader, sep byte) *Reader {
	return &Reader{br: bufio.NewReader(r), sep: sep}
}

// Chunks returns a channel of chunks (separator stripped) and closes it
// after the final chunk, which may be a non-empty residual read at EOF
// even without a trailing separator. The goroutine feeding the channel
// exits when ctx is done or r is exhausted.
func (rd *Reader) Chunks(ctx context.Context) <-chan []byte {
	out := make(chan []byte)

	go func() {
		defer close(out)

		for {
			chunk, err := rd.br.ReadBytes(rd.sep)

			if len(chunk) > 0 {
				if chunk[len(chunk)-1] == rd.sep {
					chunk = chunk[:len(chunk)-1]
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}

			if err != nil {
				return
			}
		}
	}()

	return out
}
