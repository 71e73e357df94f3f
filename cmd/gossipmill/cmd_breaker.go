package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/gossipmill/internal/breaker"
)

func init() {
	rootCmd.AddCommand(breakerCmd)
	breakerCmd.AddCommand(breakerStatusCmd, breakerResetCmd)
}

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect or reset the running daemon's circuit breaker",
}

var breakerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show breaker state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := daemonRequest(cmd.Context(), http.MethodGet, "/api/breaker")
		if err != nil {
			return err
		}
		var st breaker.State
		if err := json.Unmarshal(body, &st); err != nil {
			return fmt.Errorf("decode breaker state: %w", err)
		}
		if st.Open {
			fmt.Fprintf(os.Stdout, "open until %s\n", st.OpenUntil.Local().Format(time.RFC3339))
		} else {
			fmt.Fprintln(os.Stdout, "closed")
		}
		fmt.Fprintf(os.Stdout, "slow: %d  failures: %d\n", st.SlowCount, st.FailCount)
		return nil
	},
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Close the breaker and clear its counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := daemonRequest(cmd.Context(), http.MethodPost, "/api/breaker/reset"); err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, "Breaker reset.")
		return nil
	},
}

// daemonURL turns a listen address into a URL on the local host.
func daemonURL(listen, path string) string {
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	return "http://" + listen + path
}

func daemonRequest(ctx context.Context, method, path string) ([]byte, error) {
	cfg := loadConfig()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, daemonURL(cfg.HTTP.Listen, path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contact daemon (is it running?): %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
