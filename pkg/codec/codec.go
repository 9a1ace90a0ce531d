// Package codec frames the laser's byte stream into lines and decodes each
// line into a sensor.Reading.
//
// A line holds eight whitespace separated signed integers in the order given
// by sensor.WireFields and ends with '\n'. There is no length limit, escaping
// or checksum.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/ericogr/laser-logger/pkg/sensor"
)

var (
	ErrMissingField    = errors.New("missing field")
	ErrInvalidField    = errors.New("invalid field")
	ErrInvalidEncoding = errors.New("invalid serial contents")
)

// DecodeError describes a line that could not be decoded. Kind is one of the
// sentinel errors above and is matched by errors.Is.
type DecodeError struct {
	Kind  error
	Field string
	Line  []byte
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decode %q: %v", e.Line, e.Kind)
	}
	return fmt.Sprintf("decode %q: %v: %s", e.Line, e.Kind, e.Field)
}

func (e *DecodeError) Unwrap() error { return e.Kind }

// Decoder accumulates raw bytes and hands out one Reading per complete line.
// It is not safe for concurrent use.
type Decoder struct {
	buf bytes.Buffer
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends raw bytes from the device.
func (d *Decoder) Feed(p []byte) {
	d.buf.Write(p)
}

// Buffered reports how many bytes are waiting for a newline.
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}

// Poll extracts the next line. It returns ok=false when no complete line is
// buffered yet. A malformed line is consumed and reported as a *DecodeError.
func (d *Decoder) Poll() (r sensor.Reading, ok bool, err error) {
	i := bytes.IndexByte(d.buf.Bytes(), '\n')
	if i < 0 {
		return r, false, nil
	}
	line := d.buf.Next(i + 1)

	r, err = DecodeLine(line)
	if err != nil {
		return r, false, err
	}
	return r, true, nil
}

// DecodeLine decodes a single line, with or without its trailing newline.
func DecodeLine(line []byte) (sensor.Reading, error) {
	if !utf8.Valid(line) {
		return sensor.Reading{}, &DecodeError{Kind: ErrInvalidEncoding, Line: clone(line)}
	}
	fields := bytes.Fields(line)
	if len(fields) < len(sensor.WireFields) {
		name := sensor.WireFields[len(fields)]
		return sensor.Reading{}, &DecodeError{Kind: ErrMissingField, Field: name, Line: clone(line)}
	}

	var v [len(sensor.WireFields)]int64
	for i, name := range sensor.WireFields {
		n, err := strconv.ParseInt(string(fields[i]), 10, 64)
		if err != nil {
			return sensor.Reading{}, &DecodeError{Kind: ErrInvalidField, Field: name, Line: clone(line)}
		}
		v[i] = n
	}
	return sensor.FromWire(v), nil
}

// Encode renders r as a protocol line.
func Encode(r sensor.Reading) []byte {
	return r.AppendLine(nil)
}

func clone(b []byte) []byte {
	return append([]byte(nil), bytes.TrimRight(b, "\r\n")...)
}
