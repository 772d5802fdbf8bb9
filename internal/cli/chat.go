package cli

import (
	"fmt"
	"strings"

	"github.com/dkeye/Mesh/internal/app/chat"
	"github.com/dkeye/Mesh/internal/app/mailbox"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/spf13/cobra"
)

func newChatCmd(opts *options) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "chat <room> [text...]",
		Short: "Send a chat message, or follow the room's chat",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := interruptContext(cmd.Context())
			defer stop()

			who, err := whoAmI(ctx, opts.cfg.Client)
			if err != nil {
				return err
			}
			if who == nil {
				return domain.ErrUnauthenticated
			}
			client, err := dial(ctx, opts.cfg.Client)
			if err != nil {
				return err
			}
			defer client.Close()

			room := chat.New(mailbox.New(client, domain.RoomID(args[0])), *who)
			if text := strings.Join(args[1:], " "); text != "" {
				if _, err := room.Send(ctx, text); err != nil {
					return err
				}
			}
			if !follow {
				return nil
			}
			w, err := room.Watch(ctx)
			if err != nil {
				return err
			}
			defer w.Cancel()
			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					return nil
				case t, ok := <-w.Updates():
					if !ok {
						return nil
					}
					for _, m := range t.New {
						fmt.Fprintf(out, "[%s] %s: %s\n", m.SentAt.Format("15:04:05"), m.SenderName, m.Text)
					}
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new messages")
	return cmd
}
