// -- cmd/auth.go --
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/marionette-cli/internal/service"
)

var authCmd = &cobra.Command{
	Use:   "auth <session-id> <domain-or-url>",
	Short: "Report whether a session appears authenticated for a domain.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := args[0]
		domain := args[1]
		if strings.Contains(domain, "://") {
			parsed, err := service.DomainOf(domain)
			if err != nil {
				return err
			}
			domain = parsed
		}

		svc, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Shutdown(cmd.Context())

		authenticated, err := svc.IsAuthenticated(cmd.Context(), sessionID, domain)
		if err != nil {
			return err
		}
		if authenticated {
			fmt.Printf("Session %s is authenticated for %s.\n", sessionID, domain)
		} else {
			fmt.Printf("Session %s is NOT authenticated for %s.\n", sessionID, domain)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(authCmd)
}
