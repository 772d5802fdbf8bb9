// Package cli is the meshroom command: a headless member of a meeting room.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dkeye/Mesh/internal/config"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	ExitOK               = 0
	ExitFailure          = 1
	ExitPermissionDenied = 2
	ExitUnauthenticated  = 3
)

type options struct {
	configFile string
	logLevel   string
	cfg        *config.Config
}

func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "meshroom",
		Short: "Join mesh meeting rooms from the terminal",
		Long: `meshroom is a headless meeting participant. It signs in with a token,
publishes presence in a room and negotiates a direct media session with every
other member through the relay's signaling mailbox.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(opts.logLevel)
			cfg, err := config.LoadWithFlags(opts.configFile, cmd.Flags())
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "config file (default config/config.$CONFIG_ENV.yaml)")
	pf.StringVar(&opts.logLevel, "log-level", "info", "log level")
	pf.String("server", "", "relay store websocket URL")
	pf.String("token", "", "identity token")
	pf.String("name", "", "display name for minted tokens")

	root.AddCommand(
		newJoinCmd(opts),
		newChatCmd(opts),
		newRosterCmd(opts),
		newTokenCmd(opts),
	)
	return root
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// ExitCode maps a command error onto the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, domain.ErrMediaPermissionDenied):
		return ExitPermissionDenied
	case errors.Is(err, domain.ErrUnauthenticated):
		return ExitUnauthenticated
	}
	return ExitFailure
}

// Execute runs the command tree and returns the exit status.
func Execute(ctx context.Context, args []string) int {
	root := NewRootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return ExitCode(err)
}
