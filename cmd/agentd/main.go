package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/m4xw311/agentd/config"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	labelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	toolStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	logLevel   string
}

func (f *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "agentd",
		Short: "Local LLM agent daemon with tools",
		Long: `agentd runs a tool-calling LLM agent as a local daemon.

Examples:
  agentd start                          # start the daemon in the background
  agentd chat "what changed in this repo?"
  agentd chat --session <id>            # continue a session interactively
  agentd run                            # in-process terminal, no daemon
  agentd reload                         # re-read the configuration
  agentd stop`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Config file (default: ~/.agentd/config.yaml then ./.agentd/config.yaml)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	root.AddCommand(
		newServeCmd(flags),
		newStartCmd(flags),
		newStopCmd(flags),
		newStatusCmd(flags),
		newReloadCmd(flags),
		newChatCmd(flags),
		newRunCmd(flags),
		newAcpCmd(flags),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("Error:"), err)
		os.Exit(1)
	}
}
