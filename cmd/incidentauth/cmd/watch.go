package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"incidentauth/pkg/notify"
	"incidentauth/pkg/session"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow sign-in and sign-out from other instances",
	Long: `Keep a session open and print every state change.

Sign-ins, sign-outs and token changes made by other instances of the
profile are picked up and re-validated. Press Enter to re-check the
session at any time.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	a, err := newApp(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	a.ctrl.OnTransition(func(from, to session.State) {
		line := fmt.Sprintf("%s -> %s", from, to)
		if to == session.Authenticated {
			if identity := a.ctrl.Identity(); identity != nil {
				line += " (user " + identity.UserID + ")"
			}
		}
		fmt.Fprintln(out, line)
	})
	cancel := a.notifier.OnEvent(func(e notify.Event) {
		fmt.Fprintf(out, "event: %s\n", e)
	})
	defer cancel()

	fmt.Fprintf(out, "State: %s\n", a.ctrl.Check(ctx))
	fmt.Fprintln(out, "Press Enter to re-check the session.")

	// stdin reads cannot be interrupted, so this goroutine is not joined
	go focusOnEnter(cmd.InOrStdin(), a.ctrl.Focus)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.notifier.Run(ctx) })
	g.Go(func() error { return a.ctrl.Watch(ctx) })
	return g.Wait()
}

// focusOnEnter calls focus for every line read from in
func focusOnEnter(in io.Reader, focus func()) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		focus()
	}
}
