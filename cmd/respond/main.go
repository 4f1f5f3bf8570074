// Package main provides a CLI for running security events through the
// response engine without starting the service.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"response-engine/internal/analysis"
	"response-engine/internal/logging"
	"response-engine/internal/response"
	"response-engine/internal/schema"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runEventCmd(os.Args[2:])
	case "scenarios":
		runScenariosCmd(os.Args[2:])
	case "-version", "--version", "-v":
		fmt.Printf("respond %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: respond <command> [flags] [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  run        Assess one event file (or - for stdin) and execute its actions\n")
	fmt.Fprintf(os.Stderr, "  scenarios  Replay the built-in demonstration scenarios\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	fmt.Fprintf(os.Stderr, "  -version   Show version and exit\n")
}

type engineFlags struct {
	delayScale *float64
	timeout    *time.Duration
	logLevel   *string
}

func addEngineFlags(fs *flag.FlagSet) engineFlags {
	return engineFlags{
		delayScale: fs.Float64("delay-scale", 1.0, "Multiplier for simulated executor delays (0 disables them)"),
		timeout:    fs.Duration("timeout", 30*time.Second, "Per-action executor timeout"),
		logLevel:   fs.String("log-level", "warn", "Log level written to stderr"),
	}
}

func (f engineFlags) engine() *response.Engine {
	logger := logging.New(os.Stderr, *f.logLevel, "text")
	cfg := response.DefaultEngineConfig()
	cfg.ExecutorTimeout = *f.timeout
	return newEngine(cfg, *f.delayScale, logger)
}

func newEngine(cfg response.EngineConfig, delayScale float64, logger *slog.Logger) *response.Engine {
	registry := response.NewRegistry(response.SimulatedExecutors(delayScale)...)
	chain := analysis.NewChain(nil, 0, logger)
	return response.NewEngine(cfg, registry, chain, logger)
}

func runEventCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	assessmentPath := fs.String("assessment", "", "JSON risk assessment to use instead of analyzing the event")
	ef := addEngineFlags(fs)
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Error: exactly one event file is required\n")
		fmt.Fprintf(os.Stderr, "Usage: respond run [-assessment file] [-delay-scale n] <event.json|->\n")
		os.Exit(1)
	}

	eventData, err := readInput(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	var assessmentData []byte
	if *assessmentPath != "" {
		if assessmentData, err = os.ReadFile(*assessmentPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	os.Exit(runEvent(context.Background(), ef.engine(), eventData, assessmentData, os.Stdout))
}

func runScenariosCmd(args []string) {
	fs := flag.NewFlagSet("scenarios", flag.ExitOnError)
	ef := addEngineFlags(fs)
	fs.Parse(args)

	os.Exit(runScenarios(context.Background(), ef.engine(), os.Stdout))
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// runEvent processes one event and writes the report and statistics as
// JSON. It returns 1 when the input is unusable and 2 when any action
// failed.
func runEvent(ctx context.Context, engine *response.Engine, eventData, assessmentData []byte, w io.Writer) int {
	env, err := schema.ParseEnvelope(eventData, "cli")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if len(assessmentData) > 0 {
		var ra schema.RiskAssessment
		if err := json.Unmarshal(assessmentData, &ra); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid assessment: %v\n", err)
			return 1
		}
		env.Assessment = &ra
	}

	if err := schema.NewValidator().ValidateEnvelope(env); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	report, err := engine.Process(ctx, env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(map[string]any{
		"report": report,
		"stats":  engine.Stats(),
	})

	if report.Failed > 0 {
		return 2
	}
	return 0
}

type scenario struct {
	Name  string
	Event schema.Event
}

func demoScenarios() []scenario {
	return []scenario{
		{
			Name: "Brute Force Attack",
			Event: schema.Event{
				"timestamp": "2025-11-25T15:30:00Z",
				"source":    "firewall_logs",
				"events": []any{map[string]any{
					"type":        "failed_login",
					"src_ip":      "192.168.1.100",
					"user":        "admin",
					"attempts":    25,
					"time_window": "2_minutes",
				}},
			},
		},
		{
			Name: "Malware Detection",
			Event: schema.Event{
				"timestamp": "2025-11-25T15:35:00Z",
				"source":    "endpoint_protection",
				"events": []any{map[string]any{
					"type":      "malware_detected",
					"file":      "/tmp/suspicious.exe",
					"host":      "workstation-42",
					"signature": "Trojan.Generic.123",
				}},
			},
		},
		{
			Name: "Data Exfiltration",
			Event: schema.Event{
				"timestamp": "2025-11-25T15:40:00Z",
				"source":    "network_monitoring",
				"events": []any{map[string]any{
					"type":        "unusual_outbound",
					"src_ip":      "10.0.0.50",
					"dst_ip":      "185.123.45.67",
					"data_volume": "500MB",
					"user":        "finance_user",
				}},
			},
		},
	}
}

// runScenarios replays the demonstration scenarios and prints a summary.
func runScenarios(ctx context.Context, engine *response.Engine, w io.Writer) int {
	failed := 0
	for i, sc := range demoScenarios() {
		fmt.Fprintf(w, "\nScenario %d: %s\n", i+1, sc.Name)

		results, err := engine.AnalyzeAndExecute(ctx, sc.Event)
		if err != nil {
			fmt.Fprintf(w, "  FAIL  %v\n", err)
			failed++
			continue
		}

		fmt.Fprintf(w, "  Executed %d actions:\n", len(results))
		for _, r := range results {
			status := "OK  "
			if !r.Success {
				status = "FAIL"
				failed++
			}
			fmt.Fprintf(w, "  %s  %s %s -> %s (%.3fs)\n", status, shortID(r.ActionID), r.Kind, r.Target, r.Duration.Seconds())
			if r.Error != "" {
				fmt.Fprintf(w, "        error: %s\n", r.Error)
			}
		}
	}

	stats := engine.Stats()
	fmt.Fprintf(w, "\nTotal actions: %d\n", stats.TotalActions)
	fmt.Fprintf(w, "Success rate:  %.2f%%\n", stats.SuccessRatePercentage)
	fmt.Fprintf(w, "Average time:  %.3fs\n", stats.AverageExecutionTime)
	fmt.Fprintf(w, "By type:       %v\n", stats.ActionsByType)

	if failed > 0 {
		return 1
	}
	return 0
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
