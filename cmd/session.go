// -- cmd/session.go --
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage stored sessions.",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions with durably stored credentials.",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Shutdown(cmd.Context())

		summaries, err := svc.ListCredentials(cmd.Context())
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Println("No stored sessions.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tDOMAIN\tSAVED\tMARKER")
		for _, s := range summaries {
			marker := ""
			if s.HasMarker {
				marker = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				s.SessionID, s.Domain, s.SavedAt.Format("2006-01-02 15:04:05"), marker)
		}
		return w.Flush()
	},
}

var sessionNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Mint a fresh session identifier for use with watch and auth.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(uuid.NewString())
		return nil
	},
}

var sessionStopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Tear down a session's browsing context. Stored credentials are kept.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Shutdown(cmd.Context())

		if err := svc.StopSession(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Session %s stopped.\n", args[0])
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionNewCmd)
	sessionCmd.AddCommand(sessionStopCmd)
	rootCmd.AddCommand(sessionCmd)
}
