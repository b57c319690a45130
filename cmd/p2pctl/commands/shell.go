package commands

import (
	"fmt"

	"github.com/reeflective/console"
	"github.com/spf13/cobra"
)

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive p2pctl shell",
		Long:  "Launches a reeflective/console REPL accepting the same subcommands as the one-shot CLI.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			client = newAdminClient(serverAddr)
			return runShell()
		},
	}
}

// runShell starts a reeflective/console application whose single menu
// re-parses each submitted line against a fresh copy of the same command
// tree the one-shot CLI uses, so "session list" behaves identically
// whether typed at a shell or on the gateway command line.
func runShell() error {
	app := console.New("p2pctl")

	menu := app.ActiveMenu()
	menu.SetCommands(shellCommands)

	fmt.Println("p2pd interactive shell. Type 'help' for available commands, 'exit' to quit.")
	fmt.Println()

	return app.Start()
}

// shellCommands builds a fresh command tree for one shell line. A fresh
// tree is required because cobra.Command flag values persist across
// Execute calls otherwise, corrupting the next line's parse.
func shellCommands() *cobra.Command {
	root := &cobra.Command{
		Use:           "",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(sessionCmd())
	root.AddCommand(listenerCmd())
	root.AddCommand(versionCmd())

	return root
}
