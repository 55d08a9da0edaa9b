package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "forget [key]",
		Short: "Delete a memory",
		Long:  "Append a delete event for the key and remove it from every tier. The history stays replayable; use erase to redact personal data.",
		Args:  cobra.ExactArgs(1),
		Run:   runForget,
	}

	RootCmd.AddCommand(cmd)
}

func runForget(cmd *cobra.Command, args []string) {
	m, err := openManager()
	if err != nil {
		exitErr("open manager", err)
	}
	defer m.Close()

	h, err := m.Forget(cmd.Context(), args[0], actorFlag)
	if err != nil {
		exitErr("forget", err)
	}

	b, _ := json.Marshal(h)
	fmt.Println(string(b))
}
