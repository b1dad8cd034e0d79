package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"incidentauth/pkg/incidents"
	"incidentauth/pkg/session"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		state := a.ctrl.Check(cmd.Context())
		fmt.Fprintf(out, "State: %s\n", state)
		if state != session.Authenticated {
			return nil
		}

		identity := a.ctrl.Identity()
		roles := make([]string, 0, len(identity.Roles))
		for _, r := range identity.Roles {
			roles = append(roles, r.Name)
		}
		fmt.Fprintf(out, "User: %s\n", identity.UserID)
		fmt.Fprintf(out, "Roles: %s\n", strings.Join(roles, ", "))
		fmt.Fprintf(out, "Can edit incidents: %t\n", incidents.CanEdit(identity, a.cfg.EditorRoles))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
