package cli

import (
	"io"
	"strconv"

	"github.com/dkeye/Mesh/internal/app/mailbox"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newRosterCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "roster <room>",
		Short: "Print who is in a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := dial(ctx, opts.cfg.Client)
			if err != nil {
				return err
			}
			defer client.Close()

			mb := mailbox.New(client, domain.RoomID(args[0]))
			room, err := mb.LoadRoom(ctx)
			if err != nil {
				return err
			}
			members, err := mb.ListMembers(ctx)
			if err != nil {
				return err
			}
			renderRoster(cmd.OutOrStdout(), room, members)
			return nil
		},
	}
}

func renderRoster(w io.Writer, room domain.Room, members []domain.Member) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(room.Title)
	t.AppendHeader(table.Row{"#", "Member", "Name", "Joined", "Interpreter"})
	for i, m := range members {
		interp := ""
		if m.IsInterpreter {
			interp = m.Language
			if interp == "" {
				interp = "yes"
			}
		}
		t.AppendRow(table.Row{strconv.Itoa(i + 1), m.ID, m.DisplayName, m.JoinedAt.Format("15:04:05"), interp})
	}
	t.AppendFooter(table.Row{"", "", "", "Total", len(members)})
	t.SetStyle(table.StyleRounded)
	t.Render()
}
