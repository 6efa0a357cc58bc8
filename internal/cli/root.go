package cli

import (
	"os"

	"github.com/spf13/cobra"
)

func Main() {
	if err := NewRoot().Execute(); err != nil {
		os.Exit(1)
	}
}

func NewRoot() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "statehub",
		Short: "statehub operator CLI",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (yaml)")

	sessions := &cobra.Command{Use: "sessions", Short: "Device session history"}
	sessions.AddCommand(exportCmd(&cfgPath))

	root.AddCommand(sessions)
	root.AddCommand(statsCmd())
	return root
}
