package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "travel [key]",
		Short: "Reconstruct a memory's state at a past timestamp",
		Long:  "Replay a memory's event history up to the given timestamp and print the reconstructed state. Live tiers are never touched.",
		Args:  cobra.ExactArgs(1),
		Run:   runTravel,
	}

	cmd.Flags().String("at", "", "Timestamp (RFC3339, default: now)")

	RootCmd.AddCommand(cmd)
}

func runTravel(cmd *cobra.Command, args []string) {
	atStr, _ := cmd.Flags().GetString("at")

	at := time.Now().UTC()
	if atStr != "" {
		parsed, err := time.Parse(time.RFC3339, atStr)
		if err != nil {
			exitErr("travel", fmt.Errorf("bad --at timestamp %q: %w", atStr, err))
		}
		at = parsed
	}

	m, err := openManager()
	if err != nil {
		exitErr("open manager", err)
	}
	defer m.Close()

	state, err := m.TimeTravel(cmd.Context(), args[0], at)
	if err != nil {
		exitErr("travel", err)
	}

	b, _ := json.MarshalIndent(state, "", "  ")
	fmt.Println(string(b))
}
