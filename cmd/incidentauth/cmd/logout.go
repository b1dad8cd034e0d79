package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out everywhere",
	Long:  `Remove the stored token and tell every other running instance to sign out.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.ctrl.SignOut(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✅ Signed out")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}
