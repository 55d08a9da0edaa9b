package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	consentCmd := &cobra.Command{
		Use:   "consent",
		Short: "Manage data subject consent",
	}

	grantCmd := &cobra.Command{
		Use:   "grant [subject] [purpose]",
		Short: "Grant consent for a purpose",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			m, err := openManager()
			if err != nil {
				exitErr("open manager", err)
			}
			defer m.Close()
			if err := m.Privacy().Grant(cmd.Context(), args[0], args[1]); err != nil {
				exitErr("consent grant", err)
			}
			fmt.Printf("granted: %s for %s\n", args[1], args[0])
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke [subject] [purpose]",
		Short: "Revoke consent for a purpose",
		Long:  "Revoke consent. Revocation is terminal for the grant; a later grant starts a fresh consent record.",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			m, err := openManager()
			if err != nil {
				exitErr("open manager", err)
			}
			defer m.Close()
			if err := m.Privacy().Revoke(cmd.Context(), args[0], args[1]); err != nil {
				exitErr("consent revoke", err)
			}
			fmt.Printf("revoked: %s for %s\n", args[1], args[0])
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status [subject]",
		Short: "Show a subject's full consent history",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			m, err := openManager()
			if err != nil {
				exitErr("open manager", err)
			}
			defer m.Close()
			records, err := m.Privacy().Consents(cmd.Context(), args[0])
			if err != nil {
				exitErr("consent status", err)
			}
			if len(records) == 0 {
				fmt.Println("[]")
				return
			}
			b, _ := json.MarshalIndent(records, "", "  ")
			fmt.Println(string(b))
		},
	}

	consentCmd.AddCommand(grantCmd, revokeCmd, statusCmd)
	RootCmd.AddCommand(consentCmd)
}
