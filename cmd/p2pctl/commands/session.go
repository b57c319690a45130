package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage p2pd sessions",
	}

	cmd.AddCommand(sessionListCmd())
	cmd.AddCommand(sessionDialCmd())
	cmd.AddCommand(sessionDisconnectCmd())

	return cmd
}

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all live sessions",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			sessions, err := client.sessions()
			if err != nil {
				return err
			}

			out, err := formatSessions(sessions, outputFormat)
			if err != nil {
				return err
			}

			fmt.Print(out)
			return nil
		},
	}
}

func sessionDialCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dial <address>",
		Short: "Dial an outbound session to address",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := client.dial(args[0]); err != nil {
				return err
			}
			fmt.Printf("dial to %s accepted\n", args[0])
			return nil
		},
	}
}

func sessionDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <session-id>",
		Short: "Close a live session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid session id %q: %w", args[0], err)
			}

			if err := client.disconnect(id); err != nil {
				return err
			}
			fmt.Printf("disconnect of session %d accepted\n", id)
			return nil
		},
	}
}

func listenerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listener",
		Short: "Manage p2pd listeners",
	}

	cmd.AddCommand(listenerListCmd())
	cmd.AddCommand(listenerAddCmd())

	return cmd
}

func listenerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all bound listen addresses",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			listeners, err := client.listeners()
			if err != nil {
				return err
			}

			out, err := formatListeners(listeners, outputFormat)
			if err != nil {
				return err
			}

			fmt.Print(out)
			return nil
		},
	}
}

func listenerAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <address>",
		Short: "Bind a new listener on address",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := client.listen(args[0]); err != nil {
				return err
			}
			fmt.Printf("listen on %s accepted\n", args[0])
			return nil
		},
	}
}
