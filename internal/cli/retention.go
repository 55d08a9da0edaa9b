package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Run one retention pass over the audit trail",
		Long:  "Anonymize audit records older than their data class allows. Identifiers are replaced with stable hashes; the records themselves are kept.",
		Run:   runRetention,
	}

	RootCmd.AddCommand(cmd)
}

func runRetention(cmd *cobra.Command, args []string) {
	m, err := openManager()
	if err != nil {
		exitErr("open manager", err)
	}
	defer m.Close()

	n, err := m.ApplyRetention(cmd.Context())
	if err != nil {
		exitErr("retention", err)
	}
	fmt.Printf("anonymized %d audit records\n", n)
}
