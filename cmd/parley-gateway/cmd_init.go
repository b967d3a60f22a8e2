// ABOUTME: init subcommand: interactive setup that writes a YAML config file
// ABOUTME: Generates a random signing secret and validates the result before writing

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/parley-gateway/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactive configuration setup",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runInit(cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

// dataPath returns $XDG_DATA_HOME/parley, or ~/.local/share/parley.
func dataPath() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "parley")
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "parley-gateway configuration setup")
	fmt.Fprintln(out, "==================================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", resolveConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	fmt.Fprintln(out, "\n--- Server ---")
	httpAddr := prompt(reader, out, "HTTP address", "localhost:8080")
	dbPath := prompt(reader, out, "SQLite database path", filepath.Join(dataPath(), "gateway.db"))

	fmt.Fprintln(out, "\n--- Queue ---")
	minutes := prompt(reader, out, "Estimated minutes per queue position", fmt.Sprint(config.DefaultMinutesPerPosition))

	fmt.Fprintln(out, "\n--- Redis (multi-instance) ---")
	redisEnabled := yes(prompt(reader, out, "Enable Redis event bridge?", "no"))
	var redisURL string
	if redisEnabled {
		redisURL = prompt(reader, out, "Redis URL", "redis://localhost:6379/0")
	}

	fmt.Fprintln(out, "\n--- Logging ---")
	logLevel := prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, out, "Log format (text/json)", "text")

	secret, err := generateSecret()
	if err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("# parley-gateway configuration\n")
	b.WriteString("# Generated by parley-gateway init\n\n")
	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  http_addr: %q\n", httpAddr)
	fmt.Fprintf(&b, "  shutdown_timeout: %q\n\n", config.DefaultShutdownTimeout.String())
	b.WriteString("database:\n")
	fmt.Fprintf(&b, "  path: %q\n\n", dbPath)
	b.WriteString("auth:\n")
	fmt.Fprintf(&b, "  jwt_secret: %q\n", secret)
	fmt.Fprintf(&b, "  token_ttl: %q\n\n", config.DefaultTokenTTL.String())
	b.WriteString("queue:\n")
	fmt.Fprintf(&b, "  minutes_per_position: %s\n\n", minutes)
	b.WriteString("redis:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", redisEnabled)
	if redisEnabled {
		fmt.Fprintf(&b, "  url: %q\n", redisURL)
	}
	b.WriteString("\nlogging:\n")
	fmt.Fprintf(&b, "  level: %q\n", logLevel)
	fmt.Fprintf(&b, "  format: %q\n\n", logFormat)
	b.WriteString("metrics:\n")
	b.WriteString("  enabled: true\n")

	cfg, err := config.Parse(b.String(), config.FormatYAML)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if dir := filepath.Dir(outputFile); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(outputFile, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Fprintln(out)
	color.New(color.FgGreen).Fprint(out, "✓ ")
	fmt.Fprintf(out, "Configuration written to %s\n", outputFile)
	fmt.Fprintf(out, "\nIssue an admin token with:\n  parley-gateway token --config %s --user admin --role admin --company <company>\n", outputFile)
	return nil
}

func generateSecret() (string, error) {
	buf := make([]byte, config.MinSecretLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func yes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "y" || s == "yes"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
