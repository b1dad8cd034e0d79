package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"incidentauth/pkg/incidents"
	"incidentauth/pkg/oauth"
	"incidentauth/pkg/session"
)

var (
	page     int
	pageSize int
)

var incidentsCmd = &cobra.Command{
	Use:   "incidents",
	Short: "List incidents",
	Long: `List incidents with the current session.

Without a valid session, or when the CMS rejects the token, the anonymous
view is shown instead.`,
	RunE: runIncidents,
}

func init() {
	rootCmd.AddCommand(incidentsCmd)
	incidentsCmd.Flags().IntVar(&page, "page", 0, "page number")
	incidentsCmd.Flags().IntVar(&pageSize, "page-size", 0, "incidents per page")
}

func runIncidents(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	client, err := incidents.NewClient(incidents.Config{
		BaseURL:   a.cfg.BaseURL,
		Path:      a.cfg.IncidentsPath,
		Timeout:   a.cfg.Timeout,
		RateLimit: a.cfg.RateLimit,
		Burst:     a.cfg.RateBurst,
		Logger:    a.logger.Named("incidents"),
	})
	if err != nil {
		return err
	}

	a.ctrl.Check(ctx)
	list, authenticated, err := incidents.FetchWithSession(ctx, client, a.ctrl, incidents.Options{
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		return fmt.Errorf("failed to fetch incidents: %w", err)
	}

	var identity *oauth.Identity
	if authenticated && a.ctrl.State() == session.Authenticated {
		identity = a.ctrl.Identity()
	}
	printIncidents(cmd.OutOrStdout(), list, identity, incidents.CanEdit(identity, a.cfg.EditorRoles))
	return nil
}

func printIncidents(out io.Writer, list *incidents.List, identity *oauth.Identity, editor bool) {
	if identity != nil {
		fmt.Fprintf(out, "Signed in as user %s\n\n", identity.UserID)
	} else {
		fmt.Fprintf(out, "Anonymous view\n\n")
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tLOCATION\tCOMMENTS\tEDITABLE")
	for _, inc := range list.Items {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%t\n",
			inc.ID, inc.Title, inc.Status, inc.Location, len(inc.Comments), editor)
	}
	_ = w.Flush()

	fmt.Fprintf(out, "\nPage %d of %d, %d incidents\n", list.Page, list.LastPage, list.TotalCount)
}
