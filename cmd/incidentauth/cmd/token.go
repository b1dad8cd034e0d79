package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"incidentauth/pkg/session"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print the current access token",
	Long: `Print the validated access token for use in scripts.

The token is checked against the CMS first. Nothing is printed and the
command fails when there is no valid session.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()

		if state := a.ctrl.Check(cmd.Context()); state != session.Authenticated {
			return errors.New("not signed in, run incidentauth login")
		}
		fmt.Fprintln(cmd.OutOrStdout(), a.ctrl.AccessToken())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}
