package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "erase [subject]",
		Short: "Erase all personal data for a subject",
		Long:  "Right to erasure: tombstone the subject's payloads in the event log, purge tiers and cache, and revoke all consents. Sequence numbers and event structure are preserved.",
		Args:  cobra.ExactArgs(1),
		Run:   runErase,
	}

	RootCmd.AddCommand(cmd)
}

func runErase(cmd *cobra.Command, args []string) {
	m, err := openManager()
	if err != nil {
		exitErr("open manager", err)
	}
	defer m.Close()

	res, err := m.Privacy().Erase(cmd.Context(), args[0], actorFlag)
	if err != nil {
		exitErr("erase", err)
	}

	b, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(b))
}
