// SPDX-License-Identifier: Apache-2.0

// conduit is a small front door over the streaming coordination layer:
// it registers the configured MCP servers, streams a query to stdout
// and reports connection health.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nvela/conduit/pkg/config"
	"github.com/nvela/conduit/pkg/conn"
	"github.com/nvela/conduit/pkg/metrics"
	"github.com/nvela/conduit/pkg/resilience"
	"github.com/nvela/conduit/pkg/stream"
	"github.com/nvela/conduit/pkg/telemetry"
	"github.com/nvela/conduit/pkg/transport"

	cerrors "github.com/nvela/conduit/pkg/errors"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := flag.NewFlagSet("conduit", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the yaml config file")
	serverName := fs.String("server", "", "server to query (default: first configured)")
	jsonOut := fs.Bool("json", false, "print machine-readable output")
	timeout := fs.Duration("timeout", 2*time.Minute, "overall query timeout")
	fs.Usage = printUsage
	fs.Parse(os.Args[1:])

	args := fs.Args()
	if len(args) == 0 {
		printUsage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}

	logger := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	shutdown, err := telemetry.InitWithConfig("conduit", version, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		fatal(err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	emitter, err := metrics.NewOTelEmitter()
	if err != nil {
		fatal(err)
	}
	history := metrics.New(
		metrics.WithRetention(cfg.Metrics.Retention),
		metrics.WithEmitter(emitter),
	)

	manager := conn.NewManager(
		conn.WithLogger(logger),
		conn.WithCircuitConfig(resilience.CircuitBreakerConfig{
			FailureThreshold:         cfg.Circuit.FailureThreshold,
			WindowDuration:           cfg.Circuit.WindowDuration,
			Cooldown:                 cfg.Circuit.Cooldown,
			HalfOpenTrialLimit:       cfg.Circuit.HalfOpenTrialLimit,
			HalfOpenSuccessThreshold: cfg.Circuit.HalfOpenSuccessThreshold,
		}),
		conn.WithStalenessWindow(cfg.Conn.StalenessWindow),
	)
	defer manager.DisconnectAll()

	for _, s := range cfg.Servers {
		desc := transport.Descriptor{
			Name:    s.Name,
			Kind:    transport.Kind(s.Kind),
			Command: s.Command,
			Args:    s.Args,
			Env:     s.Env,
			URL:     s.URL,
			Headers: s.Headers,
			Tool:    s.Tool,
			Timeout: s.Timeout,
		}
		if err := manager.Register(desc); err != nil {
			fatal(err)
		}
	}

	switch args[0] {
	case "ask":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: conduit ask <query>")
			return 2
		}
		target := *serverName
		if target == "" {
			if len(cfg.Servers) == 0 {
				fmt.Fprintln(os.Stderr, "conduit: no servers configured")
				return 1
			}
			target = cfg.Servers[0].Name
		}
		return runAsk(ctx, manager, history, cfg, target, args[1], *timeout)
	case "status":
		return runStatus(ctx, manager, history, emitter, cfg.Servers, *jsonOut)
	case "version":
		fmt.Println("conduit", version)
		return 0
	case "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "conduit: unknown command %q\n", args[0])
		return 2
	}
}

func runAsk(ctx context.Context, manager *conn.Manager, history *metrics.ErrorMetrics, cfg *config.Config, server, query string, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	coordinator := stream.NewCoordinator(manager,
		stream.WithMetrics(history),
		stream.WithRetryPolicy(resilience.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		}),
		stream.WithBufferConfig(stream.BufferConfig{
			MinFlushSize:        cfg.Buffer.MinFlushSize,
			MaxBufferSize:       cfg.Buffer.MaxBufferSize,
			FlushOnBoundary:     cfg.Buffer.FlushOnBoundary,
			MaxConsumerFailures: cfg.Buffer.MaxConsumerFailures,
		}),
	)

	done := make(chan int, 1)
	id := coordinator.SendQuery(ctx, server, query, stream.Callbacks{
		OnChunk: func(text string) {
			fmt.Print(text)
		},
		OnComplete: func(string) {
			fmt.Println()
			done <- 0
		},
		OnError: func(rec cerrors.Record) {
			fmt.Fprintln(os.Stderr)
			fmt.Fprintln(os.Stderr, rec.Category.UserMessage())
			done <- 1
		},
	})

	select {
	case code := <-done:
		return code
	case <-ctx.Done():
		coordinator.Interrupt(id)
		<-done
		return 130
	}
}

type statusResult struct {
	Summary conn.Summary            `json:"summary"`
	Servers map[string]serverStatus `json:"servers"`
	Errors  metrics.HealthReport    `json:"errors"`
}

type serverStatus struct {
	conn.ServerHealth
	Reachable bool `json:"reachable"`
}

func runStatus(ctx context.Context, manager *conn.Manager, history *metrics.ErrorMetrics, emitter *metrics.OTelEmitter, servers []config.ServerConfig, jsonOut bool) int {
	// Probe each configured server once so status reflects reality,
	// not just registration.
	for _, s := range servers {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_ = manager.Connect(cctx, s.Name)
		cancel()
	}

	health := manager.HealthStatus()
	summary := manager.Summary()
	emitter.RecordHealthScore(ctx, summary.Score)

	result := statusResult{
		Summary: summary,
		Servers: make(map[string]serverStatus, len(health)),
		Errors:  history.HealthReport(),
	}
	for name, h := range health {
		emitter.RecordCircuitState(ctx, name, h.CircuitState)
		result.Servers[name] = serverStatus{
			ServerHealth: h,
			Reachable:    h.State == conn.StateConnected,
		}
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			fmt.Fprintln(os.Stderr, "conduit:", err)
			return 1
		}
		return 0
	}

	fmt.Printf("overall: %s (%d/%d connected, score %.2f)\n\n",
		summary.Status, summary.Connected, summary.Total, summary.Score)

	names := make([]string, 0, len(result.Servers))
	for name := range result.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tSTATE\tCIRCUIT\tFAILURES\tLAST CONTACT")
	for _, name := range names {
		s := result.Servers[name]
		lastContact := "never"
		if !s.LastContact.IsZero() {
			lastContact = s.LastContact.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			name, s.State, s.CircuitState, s.ConsecutiveFailures, lastContact)
	}
	w.Flush()

	if result.Errors.TotalErrors > 0 {
		fmt.Printf("\nrecent errors: %d\n", result.Errors.TotalErrors)
	}
	return 0
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `conduit - streaming MCP client

Usage:
  conduit [flags] ask <query>     stream a query to stdout
  conduit [flags] status          show server connection health
  conduit version                 print the version
  conduit help                    show this help

Flags:
  -config path      yaml config file (default: built-in defaults + CONDUIT_ env)
  -server name      target server for ask (default: first configured)
  -json             machine-readable status output
  -timeout d        overall query timeout (default 2m)`)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "conduit:", err)
	os.Exit(1)
}
