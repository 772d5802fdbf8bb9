package cli

import (
	"fmt"
	"time"

	"github.com/dkeye/Mesh/internal/adapters/identity"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/spf13/cobra"
)

func newTokenCmd(opts *options) *cobra.Command {
	var (
		id  string
		ttl time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development token signed with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := domain.NewIdentity(id, opts.cfg.Client.Name); err != nil {
				return err
			}
			tok, err := identity.NewVerifier(opts.cfg.Secret).Issue(domain.MemberID(id), opts.cfg.Client.Name, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "member id (token subject)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
