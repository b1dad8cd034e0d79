package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"incidentauth/pkg/handlers"
	"incidentauth/pkg/session"
)

var loginTimeout time.Duration

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the incident CMS",
	Long: `Sign in to the incident CMS.

A loopback server receives the authorization callback on the configured
redirect URL. Every other running instance picks up the new session.`,
	RunE: runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().DurationVar(&loginTimeout, "timeout", 5*time.Minute, "how long to wait for the browser sign-in")
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	a, err := newApp(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	addr, err := a.cfg.ListenAddr()
	if err != nil {
		return err
	}
	// Listen before the flow starts so the callback cannot arrive first
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for the callback on %s: %w", addr, err)
	}

	callback := handlers.NewCallbackHandler(a.ctrl, a.logger.Named("callback"))
	srv := &http.Server{
		Handler: handlers.NewRouter(handlers.RouterConfig{
			CallbackPath: a.cfg.CallbackPath(),
			Callback:     callback,
			RateLimit:    a.cfg.RateLimit,
			Burst:        a.cfg.RateBurst,
			Logger:       a.logger.Named("http"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("callback server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "🔗 Connecting to %s...\n", a.cfg.BaseURL)

	switch state := a.ctrl.Validate(ctx); state {
	case session.Authenticated:
		fmt.Fprintf(out, "✅ Already signed in as user %s\n", a.ctrl.Identity().UserID)
		return nil
	case session.FlowStarting:
	case session.ErrorBackoff:
		return errors.New("could not start the authorization flow, see the log for details")
	default:
		return fmt.Errorf("sign-in not started (%s): another sign-in is in progress or just finished, or the CMS is unreachable", state)
	}

	fmt.Fprintf(out, "⏳ Waiting for authentication to complete...\n")

	waitCtx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	select {
	case <-waitCtx.Done():
		return fmt.Errorf("gave up waiting for the sign-in: %w", waitCtx.Err())
	case state := <-callback.Results():
		if state != session.Authenticated {
			return errors.New("authentication failed: the callback could not be completed")
		}
	}

	fmt.Fprintf(out, "\n✅ Authentication successful!\n")
	if identity := a.ctrl.Identity(); identity != nil {
		fmt.Fprintf(out, "✅ Signed in as user %s\n", identity.UserID)
	}
	return nil
}
