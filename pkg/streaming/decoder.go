package streaming

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/rs/zerolog/log"
)

type RecordKind int

const (
	// RecordFragment carries a piece of assistant text.
	RecordFragment RecordKind = iota
	// RecordError carries a provider error; it terminates the exchange.
	RecordError
)

// Record is one decoded line of a provider stream.
type Record struct {
	Kind RecordKind
	Text string
}

func (r Record) IsError() bool {
	return r.Kind == RecordError
}

// wireRecord is the JSON shape of a stream line. Pointers distinguish absent
// fields from empty ones.
type wireRecord struct {
	Response *string `json:"response"`
	Error    *string `json:"error"`
}

// DecodeError describes a stream line that could not be parsed. The decoder
// records it and moves on.
type DecodeError struct {
	Line []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed stream record %q: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decoder turns arbitrarily split chunks of a newline-delimited JSON stream into
// records. It keeps the trailing partial line between calls, so a record may be
// split anywhere, including inside a multi-byte character or right before its
// newline.
//
// A Decoder is not safe for concurrent use; create one per exchange.
type Decoder struct {
	buf []byte
	off int

	anomalies []*DecodeError
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed buffers fragment and returns the records completed by it, in stream order.
//
// The fragment is copied into the decoder right away; decoding happens lazily
// while the sequence is iterated. Lines left over when the caller stops iterating
// early are not lost, they are returned by the next Feed or Flush.
func (d *Decoder) Feed(fragment []byte) iter.Seq[Record] {
	if d.off > 0 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, fragment...)

	return func(yield func(Record) bool) {
		for {
			i := bytes.IndexByte(d.buf[d.off:], '\n')
			if i < 0 {
				return
			}
			line := d.buf[d.off : d.off+i]
			d.off += i + 1

			rec, ok := d.decodeLine(line)
			if !ok {
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// Flush decodes whatever is buffered as a final, unterminated line. Use it once the
// underlying stream reached EOF.
func (d *Decoder) Flush() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for rec := range d.Feed([]byte{'\n'}) {
			if !yield(rec) {
				return
			}
		}
	}
}

// Buffered returns the number of bytes waiting for a line terminator.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Anomalies returns the lines that were dropped because they did not parse.
func (d *Decoder) Anomalies() []*DecodeError {
	return d.anomalies
}

func (d *Decoder) decodeLine(line []byte) (Record, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Record{}, false
	}

	var w wireRecord
	if err := json.Unmarshal(line, &w); err != nil {
		anomaly := &DecodeError{Line: append([]byte(nil), line...), Err: err}
		d.anomalies = append(d.anomalies, anomaly)
		log.Debug().Err(err).Str("line", string(line)).Int("anomalies", len(d.anomalies)).Msg("Skipping malformed stream record")
		return Record{}, false
	}

	switch {
	case w.Error != nil && *w.Error != "":
		return Record{Kind: RecordError, Text: *w.Error}, true
	case w.Response != nil && *w.Response != "":
		return Record{Kind: RecordFragment, Text: *w.Response}, true
	default:
		// keep-alive or bookkeeping line, e.g. a final {"done":true}
		return Record{}, false
	}
}
