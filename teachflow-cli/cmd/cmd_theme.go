package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teachflow/teachflow-live/teachflow-cli/internal/app"
)

var themeCmd = &cobra.Command{
	Use:   "theme [name]",
	Short: "Show or set the UI theme",
	Long:  fmt.Sprintf("Show the stored theme, or set it to one of: %s.", strings.Join(app.Themes, ", ")),
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			if len(args) == 1 {
				return a.SetTheme(cmd.Context(), args[0])
			}
			theme, err := a.Theme(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), theme)
			return nil
		})
	},
}
