package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export [subject]",
		Short: "Export all data held about a subject",
		Long:  "Right of access: print every non-erased event referencing the subject plus their consent history, as JSON.",
		Args:  cobra.ExactArgs(1),
		Run:   runExport,
	}

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	m, err := openManager()
	if err != nil {
		exitErr("open manager", err)
	}
	defer m.Close()

	out, err := m.Privacy().Export(cmd.Context(), args[0], actorFlag)
	if err != nil {
		exitErr("export", err)
	}

	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))
}
