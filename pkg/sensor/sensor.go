package sensor

import (
	"fmt"
	"strconv"
	"strings"
)

// Reading is one sample reported by the laser. All integer fields are taken
// verbatim from the wire; Displacement is derived by the acquisition worker.
type Reading struct {
	Reference         int64   `json:"reference"`
	Measured          int64   `json:"measured"`
	TotalDisplacement int64   `json:"total_displacement"`
	Velocity          int64   `json:"velocity"`
	Zero              int64   `json:"zero"`
	SequenceNum       int64   `json:"sequence_num"`
	Code              int64   `json:"code"`
	Data              int64   `json:"data"`
	Displacement      float64 `json:"displacement"`
}

// WireFields lists the fields of a protocol line in order.
var WireFields = [...]string{
	"reference", "measured", "total_displacement", "velocity",
	"zero", "sequence_num", "code", "data",
}

// Wire returns the received integer fields in wire order.
func (r Reading) Wire() [len(WireFields)]int64 {
	return [...]int64{
		r.Reference, r.Measured, r.TotalDisplacement, r.Velocity,
		r.Zero, r.SequenceNum, r.Code, r.Data,
	}
}

// FromWire builds a Reading from integer fields in wire order.
func FromWire(v [len(WireFields)]int64) Reading {
	return Reading{
		Reference:         v[0],
		Measured:          v[1],
		TotalDisplacement: v[2],
		Velocity:          v[3],
		Zero:              v[4],
		SequenceNum:       v[5],
		Code:              v[6],
		Data:              v[7],
	}
}

// AppendLine appends the protocol line for r, newline included.
func (r Reading) AppendLine(b []byte) []byte {
	for i, v := range r.Wire() {
		if i > 0 {
			b = append(b, ' ')
		}
		b = strconv.AppendInt(b, v, 10)
	}
	return append(b, '\n')
}

// Row returns the CSV columns of r: wire fields then the derived displacement.
func (r Reading) Row() []string {
	w := r.Wire()
	row := make([]string, 0, len(w)+1)
	for _, v := range w {
		row = append(row, strconv.FormatInt(v, 10))
	}
	return append(row, strconv.FormatFloat(r.Displacement, 'f', -1, 64))
}

// Field selects one plottable quantity of a Reading.
type Field int

const (
	FieldReference Field = iota
	FieldMeasured
	FieldVelocity
	FieldDisplacement
)

var fieldNames = map[Field]string{
	FieldReference:    "reference",
	FieldMeasured:     "measured",
	FieldVelocity:     "velocity",
	FieldDisplacement: "displacement",
}

func (f Field) String() string {
	if n, ok := fieldNames[f]; ok {
		return n
	}
	return "unknown"
}

// ParseField is the inverse of Field.String.
func ParseField(s string) (Field, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for f, n := range fieldNames {
		if n == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown field %q", s)
}

// Value returns the selected quantity as a float.
func (r Reading) Value(f Field) float64 {
	switch f {
	case FieldReference:
		return float64(r.Reference)
	case FieldVelocity:
		return float64(r.Velocity)
	case FieldDisplacement:
		return r.Displacement
	default:
		return float64(r.Measured)
	}
}

// Device is an open byte stream from the laser.
type Device interface {
	Read(p []byte) (int, error)
	Close() error
}
