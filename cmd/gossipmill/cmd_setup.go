package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/gossipmill/internal/config"
	"github.com/user/gossipmill/internal/prompt"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("Gossipmill Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.Replicate.APIToken = ask(scanner, "Replicate API token (empty for simulate-only)", cfg.Replicate.APIToken)
		cfg.Replicate.Model = ask(scanner, "Image model", cfg.Replicate.Model)
		cfg.SimulateOnly = cfg.Replicate.APIToken == ""

		cfg.LLM.BaseURL = ask(scanner, "Headline LLM base URL", cfg.LLM.BaseURL)
		cfg.LLM.APIKey = ask(scanner, "Headline LLM API key (optional)", cfg.LLM.APIKey)
		cfg.LLM.Model = ask(scanner, "Headline LLM model", cfg.LLM.Model)

		timeout := ask(scanner, "Generation timeout (seconds)", strconv.Itoa(cfg.Generation.TimeoutSeconds))
		if n, err := strconv.Atoi(timeout); err == nil && n > 0 {
			cfg.Generation.TimeoutSeconds = n
		}

		cfg.Telegram.Token = ask(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)

		if cfg.VocabularyPath == "" {
			dir := filepath.Join(cfg.DataDir, "vocabulary")
			answer := ask(scanner, "Write editable vocabulary lists to "+dir+"? (y/n)", "y")
			if strings.HasPrefix(strings.ToLower(answer), "y") {
				if err := prompt.Default().WriteDir(dir); err != nil {
					return fmt.Errorf("write vocabulary: %w", err)
				}
				cfg.VocabularyPath = dir
			}
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// ask displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func ask(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
