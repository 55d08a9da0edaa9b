package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "timeline [key]",
		Short: "Show a memory's full event history",
		Long:  "Print the time-ordered sequence of changes for a memory, one diff per event. Erased content shows as redacted.",
		Args:  cobra.ExactArgs(1),
		Run:   runTimeline,
	}

	RootCmd.AddCommand(cmd)
}

func runTimeline(cmd *cobra.Command, args []string) {
	m, err := openManager()
	if err != nil {
		exitErr("open manager", err)
	}
	defer m.Close()

	entries, err := m.Timeline(cmd.Context(), args[0])
	if err != nil {
		exitErr("timeline", err)
	}

	if len(entries) == 0 {
		fmt.Println("[]")
		return
	}

	b, _ := json.MarshalIndent(entries, "", "  ")
	fmt.Println(string(b))
}
