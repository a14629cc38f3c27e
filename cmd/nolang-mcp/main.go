package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/team-tissis/nolang-mcp/internal/api"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "nolang-mcp",
	Short: "MCP server and CLI for the NoLang video generation API",
	Long: `nolang-mcp exposes the NoLang video generation API as MCP tools.

Run it as an MCP server over stdio (for desktop agents) or streamable HTTP,
or call the API directly from the command line.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(stdioCmd)
	rootCmd.AddCommand(httpCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(waitCmd)
	rootCmd.AddCommand(videosCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(templatesCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		printError("%s", api.DescribeError(err))
		os.Exit(1)
	}
}

