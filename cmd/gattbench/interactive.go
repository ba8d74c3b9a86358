package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chaz8081/gattbench/internal/bench"
	"github.com/chaz8081/gattbench/internal/ble"
	"github.com/chaz8081/gattbench/internal/config"
	"github.com/chaz8081/gattbench/internal/role"
	"github.com/chzyer/readline"
)

// shell is the interactive initiator console.
type shell struct {
	cfg *config.Config
	rl  *readline.Instance
	ini *role.Initiator
	p   *printer
	ctx context.Context
}

func newShell(cfg *config.Config) (*shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gattbench> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &shell{cfg: cfg, rl: rl, ctx: context.Background()}, nil
}

// Stdout returns a writer that coordinates with the prompt.
func (s *shell) Stdout() io.Writer {
	return s.rl.Stdout()
}

// Stderr returns a writer that coordinates with the prompt.
func (s *shell) Stderr() io.Writer {
	return s.rl.Stderr()
}

func (s *shell) attach(ini *role.Initiator, p *printer) {
	s.ini = ini
	s.p = p
}

// Run reads commands until quit, EOF or ctx is cancelled.
func (s *shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()
	s.ctx = ctx

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			s.printHelp()

		case "prepare", "p":
			s.cmdPrepare(args)

		case "begin", "b":
			s.cmdBegin(args)

		case "end", "e":
			s.ini.EndBenchmark()

		case "latency", "l":
			s.report(s.ini.RequestLatencyMeasurements())

		case "id":
			s.report(s.ini.RequestPeerIdentity())

		case "raw":
			s.report(s.ini.RequestRawTimestamps())

		case "summary", "sum":
			s.cmdSummary()

		case "status", "s":
			s.cmdStatus()

		case "quit", "exit", "q":
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return

		default:
			fmt.Fprintf(s.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (s *shell) printHelp() {
	fmt.Fprintln(s.rl.Stdout(), `
gattbench Commands:
  Session:
    prepare [key=value...] - Connect and negotiate (mtu, interval, method, payload)
    begin [10s|4096]       - Start a session bounded by time or bytes
    end                    - Stop the running session

  Results:
    latency                - Pull the responder's latency series
    id                     - Read the responder identity
    raw                    - Fetch inter-packet gaps of the receiving side
    summary                - Show throughput, loss, latency and jitter

  General:
    status                 - Show peers, link parameters and session state
    help                   - Show this help
    quit                   - Exit`)
}

func (s *shell) report(err error) {
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
	}
}

// cmdPrepare handles the prepare command.
func (s *shell) cmdPrepare(args []string) {
	params, err := s.cfg.LinkParams()
	if err != nil {
		s.report(err)
		return
	}
	params, err = parseLinkArgs(params, args)
	if err != nil {
		fmt.Fprintln(s.rl.Stdout(), "Usage: prepare [mtu=N] [interval=high|balanced|low-power] [method=M] [payload=N]")
		s.report(err)
		return
	}
	if err := s.ini.Prepare(s.ctx, params); err != nil {
		s.report(err)
		return
	}
	fmt.Fprintf(s.rl.Stdout(), "Preparing %s\n", params)
}

// cmdBegin handles the begin command.
func (s *shell) cmdBegin(args []string) {
	spec, err := s.cfg.Spec()
	if err != nil {
		s.report(err)
		return
	}
	if len(args) > 0 {
		if spec, err = parseBudget(args[0]); err != nil {
			fmt.Fprintln(s.rl.Stdout(), "Usage: begin [duration|bytes]")
			s.report(err)
			return
		}
	}
	if err := s.ini.BeginBenchmark(spec); err != nil {
		s.report(err)
		return
	}
	fmt.Fprintf(s.rl.Stdout(), "Session requested: %s\n", spec)
}

// cmdSummary handles the summary command.
func (s *shell) cmdSummary() {
	peers := s.ini.Peers()
	if len(peers) == 0 {
		fmt.Fprintln(s.rl.Stdout(), "No peers connected")
		return
	}
	for _, peer := range peers {
		if sum, ok := s.ini.Summary(peer); ok {
			s.p.printSummary(peer, sum)
		}
	}
}

// cmdStatus handles the status command.
func (s *shell) cmdStatus() {
	peers := s.ini.Peers()
	if len(peers) == 0 {
		fmt.Fprintln(s.rl.Stdout(), "No peers connected")
		return
	}
	for _, peer := range peers {
		fmt.Fprintf(s.rl.Stdout(), "%s:\n", peer)
		if params, ok := s.ini.Params(peer); ok {
			fmt.Fprintf(s.rl.Stdout(), "  Link:    %s\n", params)
		}
		if st, ok := s.ini.Stats(peer); ok {
			fmt.Fprintf(s.rl.Stdout(), "  Session: %s (%s)\n", st.State, st.Spec)
			fmt.Fprintf(s.rl.Stdout(), "  Sent:    %d bytes in %d packets\n", st.BytesSent, st.PacketsSent)
			fmt.Fprintf(s.rl.Stdout(), "  Recv:    %d bytes in %d packets\n", st.BytesReceived, st.PacketsReceived)
			fmt.Fprintf(s.rl.Stdout(), "  Elapsed: %s\n", st.Elapsed.Round(time.Millisecond))
		}
	}
}

// parseBudget reads a session budget: a Go duration or a byte count.
func parseBudget(arg string) (bench.DurationSpec, error) {
	if d, err := time.ParseDuration(arg); err == nil {
		spec := bench.ForDuration(d)
		return spec, spec.Validate()
	}
	n, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return bench.DurationSpec{}, fmt.Errorf("budget %q is neither a duration nor a byte count", arg)
	}
	spec := bench.ForBytes(n)
	return spec, spec.Validate()
}

// parseLinkArgs applies key=value overrides to params.
func parseLinkArgs(params ble.LinkParams, args []string) (ble.LinkParams, error) {
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return params, fmt.Errorf("expected key=value, got %q", arg)
		}
		switch strings.ToLower(key) {
		case "mtu":
			n, err := strconv.Atoi(value)
			if err != nil {
				return params, fmt.Errorf("mtu: %w", err)
			}
			params.MTU = n
		case "payload":
			n, err := strconv.Atoi(value)
			if err != nil {
				return params, fmt.Errorf("payload: %w", err)
			}
			params.PayloadSize = n
		case "interval":
			class, err := ble.ParseIntervalClass(value)
			if err != nil {
				return params, err
			}
			params.Interval = class
		case "method":
			m, err := ble.ParseMethod(value)
			if err != nil {
				return params, err
			}
			params.Method = m
		default:
			return params, fmt.Errorf("unknown key %q", key)
		}
	}
	return params, nil
}
