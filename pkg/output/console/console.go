package console

import (
	"fmt"
	"io"
	"os"

	"github.com/ericogr/laser-logger/pkg/output"
	"github.com/ericogr/laser-logger/pkg/sensor"
)

type ConsoleOutput struct {
	w io.Writer
}

func NewConsole() output.Output { return &ConsoleOutput{w: os.Stdout} }

// NewConsoleWriter prints to w instead of stdout.
func NewConsoleWriter(w io.Writer) output.Output { return &ConsoleOutput{w: w} }

func (c *ConsoleOutput) Publish(readings []sensor.Reading) error {
	for _, r := range readings {
		if _, err := fmt.Fprintf(c.w, "seq=%d reference=%d measured=%d velocity=%d displacement=%.3f\n",
			r.SequenceNum, r.Reference, r.Measured, r.Velocity, r.Displacement); err != nil {
			return err
		}
	}
	return nil
}

func (c *ConsoleOutput) Close() error { return nil }
