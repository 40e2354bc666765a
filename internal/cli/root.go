package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverAddr string
	token      string
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rhythmctl",
		Short: "Debug client for the rhythm game session server",
		Long: `rhythmctl speaks the session server's binary wire protocol.

It can authenticate, drive room operations, and watch a room's broadcast
stream, which makes it handy for poking at a running server.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "localhost:12346", "Server address")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Identity service token (32 characters)")

	rootCmd.AddCommand(newPingCmd())
	rootCmd.AddCommand(newAuthCmd())
	rootCmd.AddCommand(newCreateCmd())
	rootCmd.AddCommand(newJoinCmd())
	rootCmd.AddCommand(newChatCmd())
	rootCmd.AddCommand(newSelectCmd())
	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newReadyCmd())
	rootCmd.AddCommand(newPlayedCmd())
	rootCmd.AddCommand(newWatchCmd())

	return rootCmd
}

// Execute runs the root command
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
