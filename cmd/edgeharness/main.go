// Command edgeharness runs the edge-case scenarios against an
// in-process orchestration stack and prints a verdict per check.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vedanthundare/Gurukul-sub002/internal/harness"
	"github.com/vedanthundare/Gurukul-sub002/internal/logging"
)

var (
	clients          int
	stallThreshold   time.Duration
	jobDuration      time.Duration
	failureThreshold int
	openDuration     time.Duration
	reportPath       string
	timeout          time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "edgeharness [bursty|high_latency|connectivity|all]",
		Short: "Exercise the orchestration core under adverse conditions",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runScenarios,

		SilenceUsage: true,
	}
	flags := root.Flags()
	defaults := harness.DefaultParams()
	flags.IntVar(&clients, "clients", defaults.Clients, "concurrent clients in the bursty scenario")
	flags.DurationVar(&stallThreshold, "stall-threshold", defaults.StallThreshold, "max tolerated gap between progress signals")
	flags.DurationVar(&jobDuration, "job-duration", defaults.JobDuration, "synthetic upstream latency")
	flags.IntVar(&failureThreshold, "failure-threshold", defaults.FailureThreshold, "breaker failure threshold")
	flags.DurationVar(&openDuration, "open-duration", defaults.OpenDuration, "breaker open window")
	flags.StringVarP(&reportPath, "report", "o", "", "write the YAML report to this file")
	flags.DurationVar(&timeout, "timeout", 10*time.Minute, "overall run timeout")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "edgeharness: %v\n", err)
		os.Exit(1)
	}
}

func runScenarios(cmd *cobra.Command, args []string) error {
	scenario := "all"
	if len(args) == 1 {
		scenario = args[0]
	}
	params := harness.Params{
		Clients:          clients,
		StallThreshold:   stallThreshold,
		JobDuration:      jobDuration,
		FailureThreshold: failureThreshold,
		OpenDuration:     openDuration,
	}
	logger := logging.NewComponentLogger("harness")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var reports []harness.Report
	switch scenario {
	case "bursty":
		reports = append(reports, harness.RunBursty(ctx, params, logger))
	case "high_latency":
		reports = append(reports, harness.RunHighLatency(ctx, params, logger))
	case "connectivity":
		reports = append(reports, harness.RunConnectivity(ctx, params, logger))
	case "all":
		reports = harness.RunAll(ctx, params, logger)
	default:
		return fmt.Errorf("unknown scenario %q", scenario)
	}

	printReports(reports)

	if reportPath != "" {
		data, err := yaml.Marshal(reports)
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		if err := os.WriteFile(reportPath, data, 0o644); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		fmt.Printf("report written to %s\n", reportPath)
	}

	for _, r := range reports {
		if !r.Passed() {
			return fmt.Errorf("scenario %s failed", r.Scenario)
		}
	}
	return nil
}

func printReports(reports []harness.Report) {
	pass := color.New(color.FgGreen, color.Bold).SprintFunc()
	fail := color.New(color.FgRed, color.Bold).SprintFunc()
	title := color.New(color.FgCyan, color.Bold).SprintFunc()

	for _, r := range reports {
		fmt.Printf("\n%s  (%v)\n", title(r.Scenario), r.Elapsed.Round(time.Millisecond))
		for _, c := range r.Checks {
			mark := pass("PASS")
			if !c.Pass {
				mark = fail("FAIL")
			}
			fmt.Printf("  [%s] %s", mark, c.Name)
			if c.Detail != "" {
				fmt.Printf("  (%s)", c.Detail)
			}
			fmt.Println()
		}
		if r.Passed() {
			fmt.Printf("  %s\n", pass("scenario passed"))
		} else {
			fmt.Printf("  %s\n", fail("scenario failed"))
		}
	}
}
