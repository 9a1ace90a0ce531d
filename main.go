package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ericogr/laser-logger/pkg/config"
	"github.com/ericogr/laser-logger/pkg/laser"
	"github.com/ericogr/laser-logger/pkg/logging"
	"github.com/ericogr/laser-logger/pkg/output"
	"github.com/ericogr/laser-logger/pkg/output/console"
	"github.com/ericogr/laser-logger/pkg/output/mqtt"
	"github.com/ericogr/laser-logger/pkg/sensor"
	"github.com/spf13/cobra"
)

var version = "dev"

const pollInterval = 100 * time.Millisecond

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "laser-logger",
		Short: "Acquire and log readings from a laser displacement sensor",
		Long: `laser-logger reads the line protocol of a laser displacement sensor from a
serial port, keeps the most recent readings for display and writes every
reading to a CSV file per acquisition session.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(newPortsCmd(), newRunCmd())
	return root
}

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := sensor.AvailablePorts()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no serial ports found")
				return nil
			}
			for _, p := range ports {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the sensor and start logging",
		Long: `run connects to the sensor and logs readings until interrupted or told to
quit. Commands are read from stdin, one per line:

  pause            stop acquiring
  resume           start a new session and acquire again
  rate <hz>        poll buffered frames <hz> times a second and start a new
                   session (every frame is still logged)
  show <field>     print the window (reference|measured|velocity|displacement)
  status           print connection state
  quit             disconnect and exit`,
		Args: cobra.NoArgs,
	}
	flags := config.RegisterFlags(cmd.Flags())

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flags)
		if err != nil {
			return err
		}
		level, err := logging.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		log := logging.New(cmd.ErrOrStderr(), level)
		slog.SetDefault(log)

		entries, err := initOutputs(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx, cfg, entries, cmd.InOrStdin(), cmd.OutOrStdout(), log)
	}
	return cmd
}

// initOutputs builds the live outputs named in cfg. Outputs already created
// are closed if a later one fails.
func initOutputs(cfg config.Config) ([]output.Entry, error) {
	var entries []output.Entry
	for _, o := range cfg.Outputs {
		var (
			out output.Output
			err error
		)
		name := strings.ToLower(o.Type)
		switch name {
		case "console":
			out = console.NewConsole()
		case "mqtt":
			if o.MQTT == nil {
				err = errors.New("mqtt output requires a server")
				break
			}
			out, err = mqtt.NewMQTT(*o.MQTT)
		default:
			err = fmt.Errorf("unknown output type %q", o.Type)
		}
		if err != nil {
			for _, e := range entries {
				_ = e.Output.Close()
			}
			return nil, fmt.Errorf("output %s: %w", o.Type, err)
		}
		entries = append(entries, output.Entry{
			Name:     name,
			Output:   out,
			Interval: time.Duration(o.IntervalMs) * time.Millisecond,
		})
	}
	return entries, nil
}

type commandKind int

const (
	cmdPause commandKind = iota
	cmdResume
	cmdRate
	cmdShow
	cmdStatus
	cmdQuit
)

type command struct {
	kind  commandKind
	rate  int
	field sensor.Field
}

func parseCommand(line string) (command, error) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return command{}, errors.New("empty command")
	}
	switch fields[0] {
	case "pause":
		return command{kind: cmdPause}, nil
	case "resume":
		return command{kind: cmdResume}, nil
	case "rate":
		if len(fields) != 2 {
			return command{}, errors.New("usage: rate <hz>")
		}
		hz, err := strconv.Atoi(fields[1])
		if err != nil || hz <= 0 {
			return command{}, fmt.Errorf("invalid rate %q", fields[1])
		}
		return command{kind: cmdRate, rate: hz}, nil
	case "show":
		f := sensor.FieldMeasured
		if len(fields) > 1 {
			var err error
			if f, err = sensor.ParseField(fields[1]); err != nil {
				return command{}, err
			}
		}
		return command{kind: cmdShow, field: f}, nil
	case "status":
		return command{kind: cmdStatus}, nil
	case "quit", "exit", "disconnect":
		return command{kind: cmdQuit}, nil
	}
	return command{}, fmt.Errorf("unknown command %q", fields[0])
}

func readCommands(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}

func run(ctx context.Context, cfg config.Config, entries []output.Entry, in io.Reader, out io.Writer, log *slog.Logger) error {
	conn, err := laser.Connect(ctx, cfg, laser.WithLogger(log), laser.WithOutputs(entries...))
	if err != nil {
		return err
	}
	defer conn.Close()

	lines := readCommands(in)
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("interrupted")
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			c, err := parseCommand(line)
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			if err := apply(conn, c, out); err != nil {
				log.Warn("command failed", "command", line, "error", err)
			}
		case <-tick.C:
			if rep, ok := conn.Poll(); ok {
				fmt.Fprintln(out, rep)
				if rep.Status == laser.StatusDisconnected {
					return nil
				}
				return errors.New(rep.String())
			}
		}
	}
}

func apply(conn *laser.Connection, c command, out io.Writer) error {
	ctl := conn.Control()
	switch c.kind {
	case cmdPause:
		return ctl.Pause()
	case cmdResume:
		return ctl.Resume()
	case cmdRate:
		return ctl.SetSampleRate(c.rate)
	case cmdQuit:
		return ctl.Disconnect()
	case cmdShow:
		for _, p := range conn.Window().Points(c.field) {
			fmt.Fprintf(out, "%d %g\n", int(p[0]), p[1])
		}
	case cmdStatus:
		s := conn.Session()
		fmt.Fprintf(out, "port=%s state=%s window=%d/%d session=%s rows=%d\n",
			conn.Port(), conn.State(), conn.Window().Len(), conn.Window().Cap(), s.Path, s.Rows)
	}
	return nil
}
