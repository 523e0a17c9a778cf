package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/pders01/podds/internal/config"
	"github.com/pders01/podds/internal/debuglog"
)

// Version is the version of the application, set at build time
var Version = "dev"

var (
	configPath string
	dbPath     string
	logLevel   string
	verbose    bool
	quiet      bool
	genConfig  bool
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#4ECDC4"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#8A8A8A"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFA86B"))
	errStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	newStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#95E1D3"))
)

var rootCmd = &cobra.Command{
	Use:           "podds",
	Short:         "Podcast feed sync engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if genConfig {
			return configGenCmd.RunE(cmd, nil)
		}
		showBanner()
		return cmd.Help()
	},
	PersistentPostRun: func(cmd *cobra.Command, _ []string) {
		if !verbose {
			return
		}
		out := cmd.ErrOrStderr()
		for _, e := range debuglog.Recent(20) {
			fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("%s %-5s %s",
				e.Timestamp.Format("15:04:05"), e.Level, e.Message)))
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "podds %s\n", Version)
		fmt.Fprintln(out, "Podcast feed sync engine")
		fmt.Fprintln(out, "github.com/pders01/podds")
	},
}

var configGenCmd = &cobra.Command{
	Use:   "generate-config [path]",
	Short: "Write the default configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := defaultConfigFile()
		if len(args) == 1 {
			target = args[0]
		}
		if err := config.GenerateDefaultConfig(target); err != nil {
			return fmt.Errorf("generating config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Generated default configuration at: %s\n", target)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Path to configuration file")
	pf.StringVar(&dbPath, "db", "", "Path to database file (overrides config)")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error, off (overrides config)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Print recent log entries after the command")
	pf.BoolVarP(&quiet, "quiet", "q", false, "Skip the banner")

	rootCmd.Flags().BoolVar(&genConfig, "generate-config", false, "Write the default configuration file and exit")
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("podds {{.Version}}\n")
	rootCmd.AddCommand(versionCmd, configGenCmd)
}

func defaultConfigFile() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "podds", "config.toml")
}

// loadConfig reads the configuration and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func showBanner() {
	if quiet {
		return
	}
	logo := lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(lipgloss.Color("#4ECDC4")).
		Padding(0, 2).
		Render(lipgloss.JoinVertical(lipgloss.Center,
			titleStyle.Render("p o d d s"),
			dimStyle.Render("podcast feed sync "+Version),
		))
	fmt.Println(logo)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}
