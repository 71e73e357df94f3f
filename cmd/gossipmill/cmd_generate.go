package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/gossipmill/internal/events"
	"github.com/user/gossipmill/internal/gateway"
	"github.com/user/gossipmill/internal/types"
)

func init() {
	rootCmd.AddCommand(generateCmd, mutateCmd)

	generateCmd.Flags().String("mode", "", "mutation mode (requires --parent)")
	generateCmd.Flags().String("parent", "", "parent artifact file")
	generateCmd.Flags().String("prompt", "", "prompt override")
	for _, c := range []*cobra.Command{generateCmd, mutateCmd} {
		c.Flags().Bool("events", false, "print run events as they happen")
	}
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run one generation in-process and print the outcome",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		parent, _ := cmd.Flags().GetString("parent")
		promptText, _ := cmd.Flags().GetString("prompt")

		return runOnce(cmd, func(ctx context.Context, gw *gateway.Gateway) (*gateway.Outcome, error) {
			return gw.Generate(ctx, gateway.Request{
				ParentFile:     parent,
				Mode:           types.MutationMode(mode),
				PromptOverride: promptText,
			})
		})
	},
}

var mutateCmd = &cobra.Command{
	Use:   "mutate <parent> <mode>",
	Short: "Derive a new artifact from a stored one",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd, func(ctx context.Context, gw *gateway.Gateway) (*gateway.Outcome, error) {
			return gw.Mutate(ctx, args[0], args[1])
		})
	},
}

// runOnce builds the app without pacing, runs fn, and prints the outcome
// as JSON. Ctrl-C aborts the run.
func runOnce(cmd *cobra.Command, fn func(context.Context, *gateway.Gateway) (*gateway.Outcome, error)) error {
	cfg := loadConfig()
	setupLogging(cfg)

	a, err := newApp(cfg, gateway.Pacing{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.gateway.Start(ctx)
	defer a.gateway.Stop()

	if verbose, _ := cmd.Flags().GetBool("events"); verbose {
		sub := a.bus.Subscribe()
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			printEvents(sub)
		}()
		defer wg.Wait()
		defer sub.Close()
	}

	out, err := fn(ctx, a.gateway)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func printEvents(sub *events.Subscription) {
	for e := range sub.Events {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		fmt.Fprintln(os.Stderr, string(data))
	}
}
