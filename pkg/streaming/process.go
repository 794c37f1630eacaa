package streaming

import (
	"context"
	"io"
	"iter"

	"github.com/go-go-golems/confab/pkg/exchange"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const readChunkSize = 4096

// Process reads a newline-delimited JSON body in chunks and hands every decoded
// record to fn, in stream order.
//
// The token and ctx are consulted before each delivery. Once either is no longer
// active, Process stops reading and returns the token's error (or ctx's). Returning
// an error from fn also stops processing; that error is returned unchanged.
func Process(ctx context.Context, r io.Reader, tok *exchange.Token, fn func(Record) error) error {
	d := NewDecoder()
	buf := make([]byte, readChunkSize)

	deliver := func(records iter.Seq[Record]) error {
		for rec := range records {
			if err := stopped(ctx, tok); err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		if err := stopped(ctx, tok); err != nil {
			return err
		}

		n, rerr := r.Read(buf)
		if n > 0 {
			if err := deliver(d.Feed(buf[:n])); err != nil {
				return err
			}
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				if err := deliver(d.Flush()); err != nil {
					return err
				}
				if len(d.Anomalies()) > 0 {
					log.Debug().Int("anomalies", len(d.Anomalies())).Msg("Stream finished with malformed records")
				}
				return nil
			}
			if err := stopped(ctx, tok); err != nil {
				return err
			}
			return errors.Wrap(rerr, "failed to read stream")
		}
	}
}

func stopped(ctx context.Context, tok *exchange.Token) error {
	if tok != nil && !tok.Active() {
		return tok.Err()
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}
