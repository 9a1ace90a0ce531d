package codec_test

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"

	"github.com/ericogr/laser-logger/pkg/codec"
	"github.com/ericogr/laser-logger/pkg/sensor"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, d *codec.Decoder) []sensor.Reading {
	t.Helper()
	var out []sensor.Reading
	for {
		r, ok, err := d.Poll()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, r)
	}
}

func sampleStream(n int, rnd *rand.Rand) ([]byte, []sensor.Reading) {
	var buf []byte
	want := make([]sensor.Reading, 0, n)
	for i := 0; i < n; i++ {
		r := sensor.Reading{
			Reference:         rnd.Int63n(20000) - 10000,
			Measured:          rnd.Int63(),
			TotalDisplacement: -rnd.Int63(),
			Velocity:          rnd.Int63n(100),
			Zero:              0,
			SequenceNum:       int64(i),
			Code:              rnd.Int63n(4),
			Data:              rnd.Int63n(1 << 20),
		}
		want = append(want, r)
		buf = r.AppendLine(buf)
	}
	return buf, want
}

func TestDecodeScenario(t *testing.T) {
	d := codec.NewDecoder()
	d.Feed([]byte("10 20 0 5 0 1 0 0\n"))

	r, ok, err := d.Poll()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sensor.Reading{
		Reference:   10,
		Measured:    20,
		Velocity:    5,
		SequenceNum: 1,
	}, r)
	require.Equal(t, 0, d.Buffered())
}

func TestPollWithoutNewline(t *testing.T) {
	d := codec.NewDecoder()
	d.Feed([]byte("10 20 0 5"))

	_, ok, err := d.Poll()
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 9, d.Buffered())

	d.Feed([]byte(" 0 1 0 0\n"))
	r, ok, err := d.Poll()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), r.SequenceNum)
}

func TestPollOneRecordPerCall(t *testing.T) {
	d := codec.NewDecoder()
	d.Feed([]byte("1 1 1 1 1 1 1 1\n2 2 2 2 2 2 2 2\n"))

	r, ok, err := d.Poll()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), r.Reference)
	require.Equal(t, 16, d.Buffered())

	r, ok, err = d.Poll()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(2), r.Reference)
}

func TestChunkBoundaryIndependence(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	stream, want := sampleStream(200, rnd)

	whole := codec.NewDecoder()
	whole.Feed(stream)
	require.Equal(t, want, drain(t, whole))

	for trial := 0; trial < 50; trial++ {
		d := codec.NewDecoder()
		var got []sensor.Reading
		rest := stream
		for len(rest) > 0 {
			n := 1 + rnd.Intn(40)
			if n > len(rest) {
				n = len(rest)
			}
			d.Feed(rest[:n])
			rest = rest[n:]
			got = append(got, drain(t, d)...)
		}
		require.Equal(t, want, got, "trial %d", trial)
	}
}

func TestEverySplitPoint(t *testing.T) {
	line := []byte("-7 300 123456789 -4 0 99 2 17\n")
	want, err := codec.DecodeLine(line)
	require.NoError(t, err)

	for i := 0; i <= len(line); i++ {
		d := codec.NewDecoder()
		d.Feed(line[:i])
		d.Feed(line[i:])
		require.Equal(t, []sensor.Reading{want}, drain(t, d), "split %d", i)
	}
}

func TestRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		var v [len(sensor.WireFields)]int64
		for j := range v {
			v[j] = rnd.Int63() - rnd.Int63()
		}
		r := sensor.FromWire(v)
		got, err := codec.DecodeLine(codec.Encode(r))
		require.NoError(t, err)
		require.Equal(t, v, got.Wire())
	}
}

func TestCarriageReturnTolerated(t *testing.T) {
	r, err := codec.DecodeLine([]byte("1 2 3 4 5 6 7 8\r\n"))
	require.NoError(t, err)
	require.Equal(t, int64(8), r.Data)
}

func TestMissingField(t *testing.T) {
	for n := 0; n < len(sensor.WireFields); n++ {
		tokens := make([]string, n)
		for i := range tokens {
			tokens[i] = "1"
		}
		line := strings.Join(tokens, " ") + "\n"
		_, err := codec.DecodeLine([]byte(line))
		require.ErrorIs(t, err, codec.ErrMissingField, "tokens=%d", n)

		var de *codec.DecodeError
		require.ErrorAs(t, err, &de)
		require.Equal(t, sensor.WireFields[n], de.Field)
	}
}

func TestInvalidField(t *testing.T) {
	for k := range sensor.WireFields {
		tokens := []string{"1", "2", "3", "4", "5", "6", "7", "8"}
		tokens[k] = "x9"
		_, err := codec.DecodeLine([]byte(strings.Join(tokens, " ") + "\n"))
		require.ErrorIs(t, err, codec.ErrInvalidField, "position %d", k)

		var de *codec.DecodeError
		require.ErrorAs(t, err, &de)
		require.Equal(t, sensor.WireFields[k], de.Field)
	}
}

func TestInvalidFieldOverflow(t *testing.T) {
	_, err := codec.DecodeLine([]byte("99999999999999999999 0 0 0 0 0 0 0\n"))
	require.ErrorIs(t, err, codec.ErrInvalidField)
}

func TestBadLine(t *testing.T) {
	d := codec.NewDecoder()
	d.Feed([]byte("bad line\n1 2 3 4 5 6 7 8\n"))

	_, ok, err := d.Poll()
	require.False(t, ok)
	require.ErrorIs(t, err, codec.ErrMissingField)

	// the bad line is consumed, the next one is intact
	r, ok, err := d.Poll()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), r.Reference)
}

func TestInvalidEncoding(t *testing.T) {
	line := append(bytes.Repeat([]byte("1 "), 8), 0xff, 0xfe, '\n')
	_, err := codec.DecodeLine(line)
	require.ErrorIs(t, err, codec.ErrInvalidEncoding)
}

func TestExtraTokensIgnored(t *testing.T) {
	r, err := codec.DecodeLine([]byte("1 2 3 4 5 6 7 8 9 10\n"))
	require.NoError(t, err)
	require.Equal(t, int64(8), r.Data)
}
