// -- cmd/creds.go --
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var credsCmd = &cobra.Command{
	Use:   "creds",
	Short: "Manage durably stored session credentials.",
}

var credsSaveCmd = &cobra.Command{
	Use:   "save <session-id>",
	Short: "Force a credential snapshot of the live session.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Shutdown(cmd.Context())

		if err := svc.SaveCredentials(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Credentials saved for session %s.\n", args[0])
		return nil
	},
}

var credsClearCmd = &cobra.Command{
	Use:   "clear <session-id> <domain>",
	Short: "Remove the stored credential record for a session and domain.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Shutdown(cmd.Context())

		if err := svc.ClearCredentials(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Cleared credentials for %s/%s.\n", args[0], args[1])
		return nil
	},
}

func init() {
	credsCmd.AddCommand(credsSaveCmd)
	credsCmd.AddCommand(credsClearCmd)
	rootCmd.AddCommand(credsCmd)
}
