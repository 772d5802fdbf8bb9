package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// interruptContext ends on SIGINT or SIGTERM, the terminal's tab close.
func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
