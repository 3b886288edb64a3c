// ABOUTME: Interactive "init" command that writes a starter config file.
// ABOUTME: Prompts for Matrix login, Ollama model and backends, then renders TOML.

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/ollama-relay/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file interactively",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInit(cmd.InOrStdin(), getConfigPath())
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}

// prompter reads answers line by line.
type prompter struct {
	reader *bufio.Reader
	green  *color.Color
}

func (p *prompter) ask(question, fallback string) string {
	p.green.Print("    ▶ ")
	if fallback != "" {
		fmt.Printf("%s [%s]: ", question, fallback)
	} else {
		fmt.Printf("%s: ", question)
	}
	answer, _ := p.reader.ReadString('\n')
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return fallback
	}
	return answer
}

func (p *prompter) confirm(question string) bool {
	answer := p.ask(question+" [y/N]", "")
	return strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes")
}

func runInit(in io.Reader, configPath string) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println("    Interactive Setup")
	fmt.Println("    -----------------")
	fmt.Println()

	p := &prompter{reader: bufio.NewReader(in), green: green}

	if _, err := os.Stat(configPath); err == nil {
		yellow.Printf("    Config already exists at %s\n", configPath)
		if !p.confirm("Overwrite?") {
			fmt.Println("    Aborted.")
			return nil
		}
		fmt.Println()
	}

	cfg := config.Config{}
	cfg.Matrix.Homeserver = p.ask("Matrix homeserver URL", "https://matrix.org")
	cfg.Matrix.Username = p.ask("Matrix username", "")
	cfg.Matrix.Password = p.ask("Matrix password", "")
	cfg.Matrix.Encryption = p.confirm("Enable end-to-end encryption?")
	if cfg.Matrix.Encryption {
		cfg.Matrix.RecoveryKey = p.ask("Recovery key (optional)", "")
	}

	cfg.Ollama.Model = p.ask("Ollama model", "llama3")
	backends := p.ask("Ollama backends (comma separated)", "http://localhost:11434")
	for _, b := range strings.Split(backends, ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.Ollama.Backends = append(cfg.Ollama.Backends, b)
		}
	}
	cfg.Ollama.UseModelSystemMessage = true
	if sys := p.ask("Custom system message (optional)", ""); sys != "" {
		cfg.Ollama.SystemMessage = sys
		cfg.Ollama.UseSystemMessage = true
	}

	cfg.Backends.PollIntervalRaw = config.DefaultPollInterval.String()
	cfg.Backends.RequestTimeoutRaw = "5m"

	cfg.Bridge.RequireMention = p.confirm("Only answer when mentioned?")
	cfg.Bridge.ResetCommands = config.DefaultResetCommands
	cfg.Bridge.MaxMessageLength = config.DefaultMaxMessageLength
	cfg.Bridge.TypingIntervalRaw = config.DefaultTypingInterval.String()
	cfg.Bridge.DedupeTTLRaw = config.DefaultDedupeTTL.String()

	cfg.Database.Path = filepath.Join(getDataPath(), "ledger.db")
	cfg.Logging.Level = config.DefaultLogLevel
	cfg.Logging.Format = config.DefaultLogFormat

	rendered, err := renderConfig(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, rendered, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Println()
	green.Printf("    ✓ Config written to %s\n", configPath)
	fmt.Println()
	fmt.Println("    Next steps:")
	fmt.Println("    1. Invite the bot account to a room")
	fmt.Println("    2. Run: ollama-relay")
	fmt.Println()
	return nil
}

// renderConfig encodes cfg as TOML, validating it first so init never
// writes a file the bridge would refuse to load.
func renderConfig(cfg *config.Config) ([]byte, error) {
	var buf strings.Builder
	buf.WriteString("# ollama-relay configuration\n# Generated by ollama-relay init\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}

	if _, err := config.Parse(buf.String(), config.FormatTOML); err != nil {
		return nil, fmt.Errorf("generated config is invalid: %w", err)
	}
	return []byte(buf.String()), nil
}
