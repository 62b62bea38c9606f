package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teachflow/teachflow-live/pkg/apiclient"
	"github.com/teachflow/teachflow-live/teachflow-cli/internal/app"
)

var errMissingFlag = errors.New("missing required flag")

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store the session",
	Args:  cobra.NoArgs,
	RunE:  runLogin,
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account and sign in",
	Args:  cobra.NoArgs,
	RunE:  runRegister,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the stored session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			return a.Logout(cmd.Context())
		})
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			return a.WhoAmI(cmd.Context())
		})
	},
}

func init() {
	loginCmd.Flags().String("email", "", "Account email")
	loginCmd.Flags().String("password", "", "Account password (prompted when empty)")

	registerCmd.Flags().String("email", "", "Account email")
	registerCmd.Flags().String("username", "", "Display name")
	registerCmd.Flags().String("password", "", "Account password (prompted when empty)")
	registerCmd.Flags().String("role", "student", "Role: student or teacher")
}

func runLogin(cmd *cobra.Command, args []string) error {
	email, _ := cmd.Flags().GetString("email")
	password, _ := cmd.Flags().GetString("password")
	if email == "" {
		return fmt.Errorf("%w: --email", errMissingFlag)
	}
	password, err := promptIfEmpty(cmd, password, "Password: ")
	if err != nil {
		return err
	}
	return withApp(cmd, func(a *app.App) error {
		return a.Login(cmd.Context(), email, password)
	})
}

func runRegister(cmd *cobra.Command, args []string) error {
	email, _ := cmd.Flags().GetString("email")
	username, _ := cmd.Flags().GetString("username")
	password, _ := cmd.Flags().GetString("password")
	role, _ := cmd.Flags().GetString("role")
	if email == "" || username == "" {
		return fmt.Errorf("%w: --email and --username", errMissingFlag)
	}
	password, err := promptIfEmpty(cmd, password, "Password: ")
	if err != nil {
		return err
	}
	return withApp(cmd, func(a *app.App) error {
		return a.Register(cmd.Context(), apiclient.RegisterRequest{
			Email:    email,
			Username: username,
			Password: password,
			Role:     role,
		})
	})
}

func promptIfEmpty(cmd *cobra.Command, value, prompt string) (string, error) {
	if value != "" {
		return value, nil
	}
	fmt.Fprint(cmd.OutOrStdout(), prompt)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}
