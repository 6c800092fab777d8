// Package main mints an API token signed with JWT_SECRET, for local
// development and operator scripts.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/orgforge/backend/config"
	"github.com/orgforge/backend/internal/auth"
)

func main() {
	if err := newCommand(os.Stdout, config.Load).Execute(); err != nil {
		os.Exit(1)
	}
}

type tokenFlags struct {
	role   string
	email  string
	userID string
}

// newCommand builds the devtoken command. load supplies the JWT settings.
func newCommand(out io.Writer, load func() (*config.Config, error)) *cobra.Command {
	var f tokenFlags
	cmd := &cobra.Command{
		Use:          "devtoken",
		Short:        "Mint a signed API token",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.role != auth.RoleAdmin && f.role != auth.RoleOperator {
				return fmt.Errorf("unknown role %q", f.role)
			}
			id := uuid.New()
			if f.userID != "" {
				var err error
				if id, err = uuid.Parse(f.userID); err != nil {
					return fmt.Errorf("invalid user id: %w", err)
				}
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			token, err := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours).Generate(id, f.email, f.role)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, token)
			return err
		},
	}
	cmd.Flags().StringVar(&f.role, "role", auth.RoleOperator, "role claim ("+auth.RoleAdmin+" or "+auth.RoleOperator+")")
	cmd.Flags().StringVar(&f.email, "email", "operator@example.com", "email claim")
	cmd.Flags().StringVar(&f.userID, "user", "", "user id claim (random when empty)")
	return cmd
}
