package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/gattbench/internal/ble"
	"github.com/chaz8081/gattbench/internal/ble/netlink"
	"github.com/chaz8081/gattbench/internal/config"
	"github.com/chaz8081/gattbench/internal/role"
	"github.com/chaz8081/gattbench/internal/timing"
)

// resultTimeout bounds each result pull after a session.
const resultTimeout = 30 * time.Second

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/gattbench/config.yaml)")
	roleFlag := flag.String("role", "", "override role: initiator or responder")
	addrFlag := flag.String("addr", "", "override netlink address")
	interactive := flag.Bool("i", false, "start an interactive shell (initiator only)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		} else {
			fmt.Printf("Wrote default config to %s\n", path)
		}
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *roleFlag != "" {
		cfg.Role = *roleFlag
	}
	if *addrFlag != "" {
		cfg.Netlink.Addr = *addrFlag
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}
	if *interactive && cfg.Role != "initiator" {
		log.Fatalf("interactive shell requires the initiator role")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sh *shell
	out := os.Stdout
	if *interactive {
		sh, err = newShell(cfg)
		if err != nil {
			log.Fatalf("interactive: %v", err)
		}
		setupLogging(cfg, sh.Stderr())
	} else {
		setupLogging(cfg, os.Stderr)
	}

	printBanner(cfg)

	tr, err := newTransport(cfg)
	if err != nil {
		log.Fatalf("transport: %v", err)
	}
	rec := timing.New(cfg.Recorder.Capacity)

	if cfg.Role == "responder" {
		if err := runResponder(ctx, cfg, tr, rec, newPrinter(out)); err != nil {
			log.Fatalf("responder: %v", err)
		}
		return
	}

	if sh != nil {
		p := newPrinter(sh.Stdout())
		ini, err := newInitiator(cfg, tr, rec, p)
		if err != nil {
			log.Fatalf("initiator: %v", err)
		}
		sh.attach(ini, p)
		sh.Run(ctx, stop)
		if err := ini.Cleanup(); err != nil {
			slog.Warn("cleanup failed", "error", err)
		}
		return
	}

	p := newPrinter(out)
	ini, err := newInitiator(cfg, tr, rec, p)
	if err != nil {
		log.Fatalf("initiator: %v", err)
	}
	runErr := runInitiator(ctx, cfg, ini, p)
	if err := ini.Cleanup(); err != nil {
		slog.Warn("cleanup failed", "error", err)
	}
	if runErr != nil {
		log.Fatalf("benchmark: %v", runErr)
	}
}

func setupLogging(cfg *config.Config, w io.Writer) {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)})
	slog.SetDefault(slog.New(handler))
}

// newTransport builds the transport for the configured role.
func newTransport(cfg *config.Config) (ble.Transport, error) {
	if cfg.Transport == "ble" {
		return ble.NewCentral(ble.NewTinygoAdapter(), ble.CentralOptions{
			Device:          cfg.BLE.Device,
			ScanTimeout:     cfg.BLE.ScanTimeout,
			ConnectAttempts: cfg.BLE.ConnectAttempts,
			ReconnectMax:    cfg.BLE.ReconnectMax,
		}), nil
	}

	if cfg.Role == "responder" {
		ln, err := net.Listen("tcp", cfg.Netlink.Addr)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", cfg.Netlink.Addr, err)
		}
		return netlink.NewPeripheral(ln, netlink.PeripheralOptions{
			Name:           cfg.Netlink.Name,
			MaxMTU:         cfg.Netlink.MaxMTU,
			MaxPeers:       cfg.Netlink.MaxPeers,
			RequestTimeout: cfg.Netlink.RequestTimeout,
		}), nil
	}
	return netlink.NewCentral(netlink.CentralOptions{
		Addr:           cfg.Netlink.Addr,
		Name:           cfg.Netlink.Name,
		RequestTimeout: cfg.Netlink.RequestTimeout,
	}), nil
}

func newInitiator(cfg *config.Config, tr ble.Transport, rec *timing.Recorder, obs role.Observer) (*role.Initiator, error) {
	return role.NewInitiator(role.InitiatorOptions{
		Transport:     tr,
		Observer:      obs,
		Recorder:      rec,
		QueueCapacity: cfg.Queue.Capacity,
		QueuePolicy:   cfg.QueuePolicy(),
		StepTimeout:   cfg.Link.StepTimeout,
		PollInterval:  cfg.Bench.PollInterval,
		ReadyTimeout:  cfg.Bench.ReadyTimeout,
	})
}

// runResponder serves sessions until the context is cancelled.
func runResponder(ctx context.Context, cfg *config.Config, tr ble.Transport, rec *timing.Recorder, p *printer) error {
	r, err := role.NewResponder(role.ResponderOptions{
		Transport:     tr,
		Observer:      p,
		Recorder:      rec,
		Identity:      cfg.Identity,
		QueueCapacity: cfg.Queue.Capacity,
		QueuePolicy:   cfg.QueuePolicy(),
		PollInterval:  cfg.Bench.PollInterval,
		ReadyTimeout:  cfg.Bench.ReadyTimeout,
		MaxPeers:      cfg.Netlink.MaxPeers,
	})
	if err != nil {
		return err
	}
	if err := r.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(p.out, "Serving on %s. Press Ctrl+C to quit.\n", cfg.Netlink.Addr)

	<-ctx.Done()
	fmt.Fprintln(p.out, "\nShutting down...")
	return r.Cleanup()
}

// runInitiator runs one session against the configured peer, pulls the
// responder's results and prints the summary.
func runInitiator(ctx context.Context, cfg *config.Config, ini *role.Initiator, p *printer) error {
	params, err := cfg.LinkParams()
	if err != nil {
		return err
	}
	spec, err := cfg.Spec()
	if err != nil {
		return err
	}

	if err := ini.Prepare(ctx, params); err != nil {
		return err
	}
	if err := ini.BeginBenchmark(spec); err != nil {
		return err
	}

	var peer string
	select {
	case <-ctx.Done():
		ini.EndBenchmark()
		return ctx.Err()
	case ev := <-p.fatal:
		return ev
	case peer = <-p.complete:
	}

	if err := ini.RequestLatencyMeasurements(); err != nil {
		return err
	}
	if err := p.wait(ctx, p.latency, resultTimeout); err != nil {
		return fmt.Errorf("latency: %w", err)
	}
	if err := ini.RequestPeerIdentity(); err != nil {
		return err
	}
	if err := p.wait(ctx, p.identity, resultTimeout); err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	if s, ok := ini.Summary(peer); ok {
		p.printSummary(peer, s)
	}
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== gattbench ===")
	fmt.Printf("  Role:      %s\n", cfg.Role)
	if cfg.Transport == "ble" {
		fmt.Printf("  Transport: ble (device %q)\n", cfg.BLE.Device)
	} else {
		fmt.Printf("  Transport: netlink %s\n", cfg.Netlink.Addr)
	}
	if cfg.Role == "initiator" {
		fmt.Printf("  Link:      mtu=%d interval=%s method=%s payload=%d\n",
			cfg.Link.MTU, cfg.Link.Interval, cfg.Link.Method, cfg.Link.PayloadSize)
		if cfg.Bench.Bytes > 0 {
			fmt.Printf("  Budget:    %d bytes\n", cfg.Bench.Bytes)
		} else {
			fmt.Printf("  Budget:    %s\n", cfg.Bench.Duration)
		}
	}
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("=================")
}
