package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/chathub/hub/auth"
	"github.com/amurg-ai/chathub/hub/config"
	"github.com/amurg-ai/chathub/hub/store"
	"github.com/amurg-ai/chathub/pkg/cli"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage chat users",
	}
	cmd.AddCommand(newUserAddCmd())
	return cmd
}

func newUserAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a user directly in the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			displayName, _ := cmd.Flags().GetString("display-name")
			role, _ := cmd.Flags().GetString("role")
			password, _ := cmd.Flags().GetString("password")

			cfg, err := config.Load(resolveConfigPath(cmd, nil, defaultConfigPath))
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}

			if password == "" {
				p := cli.DefaultPrompter()
				p.Out = cmd.OutOrStdout()
				password = p.AskPassword("Password for " + args[0])
			}

			return addUser(cmd.Context(), cfg, args[0], password, displayName, role, func(u *store.User) {
				cmd.Printf("created %s user %q (%s)\n", u.Role, u.Username, u.ID)
			})
		},
	}
	cmd.Flags().String("display-name", "", "display name shown to other users")
	cmd.Flags().String("role", "user", `"user" or "admin"`)
	cmd.Flags().String("password", "", "password (prompted when omitted)")
	return cmd
}

func addUser(ctx context.Context, cfg *config.Config, username, password, displayName, role string, created func(*store.User)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()

	u, err := auth.NewService(db, cfg.Auth).Register(ctx, username, password, displayName, role)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	created(u)
	return nil
}
