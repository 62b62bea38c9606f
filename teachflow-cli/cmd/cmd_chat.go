package main

import (
	"github.com/spf13/cobra"

	"github.com/teachflow/teachflow-live/teachflow-cli/internal/app"
)

var classesCmd = &cobra.Command{
	Use:   "classes",
	Short: "List live classes that are running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			return a.Classes(cmd.Context())
		})
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat [liveClassId]",
	Short: "Join a live-class chat",
	Long: `Join a live-class chat and type messages to send them.

Teachers and admins can moderate with /mute, /unmute, /remove and /clear.
Type /help inside the chat for the full list.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			return a.Chat(cmd.Context(), args[0], cmd.InOrStdin())
		})
	},
}
