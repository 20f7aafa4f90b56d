// fleetcmd agent - fetches, executes and reports commands from the
// control server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetcmd/fleetcmd/internal/agent"
	"github.com/fleetcmd/fleetcmd/internal/config"
)

func main() {
	// CLI flags
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "validate config and test connectivity")

	// Short flags
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("fleetcmd-agent %s\n", agent.Version)
		os.Exit(0)
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *runCheck {
		os.Exit(runConfigCheck())
	}

	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Create agent
	a, err := agent.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create agent")
	}

	log.Info().
		Str("version", agent.Version).
		Str("agent", a.ID()).
		Str("server", cfg.ServerURL).
		Msg("fleetcmd agent starting")

	// Run until SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("agent failed")
	}
}

func printUsage() {
	fmt.Printf(`Usage: fleetcmd-agent [options]

fleetcmd agent %s - executes commands from the fleetcmd control server.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  --check         Validate config and test connectivity

Environment variables:
  SERVER_URL        Control server base URL (default: http://localhost:3000)
  POLL_INTERVAL     Idle sleep between fetches in ms (default: 1000)
  AGENT_DATA_PATH   Directory for the identity file (default: ./data)
  LOG_LEVEL         Log level: debug, info, warn, error
  KILL_AFTER        Test hook: exit after N polls
  RANDOM_FAILURES   Test hook: 20%% chance of exiting at labelled points
`, agent.Version)
}

func runConfigCheck() int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	// Load config
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Printf("config error: %v\n", err)
		return 1
	}

	fmt.Println("config OK")
	fmt.Printf("  Server:        %s\n", cfg.ServerURL)
	fmt.Printf("  Poll interval: %s\n", cfg.PollInterval)
	fmt.Printf("  Data path:     %s\n", cfg.DataPath)
	fmt.Println()

	// Test connectivity
	fmt.Print("Testing server connectivity... ")

	client := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()
	resp, err := client.Get(cfg.ServerURL + "/health")
	latency := time.Since(start)

	if err != nil {
		fmt.Println("failed")
		fmt.Printf("  Error: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		fmt.Printf("failed (HTTP %d)\n", resp.StatusCode)
		return 1
	}

	fmt.Printf("OK (latency: %dms)\n", latency.Milliseconds())
	return 0
}
