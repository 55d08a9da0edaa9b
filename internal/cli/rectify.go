package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rectify [subject] [key] [value]",
		Short: "Correct inaccurate personal data",
		Long:  "Right to rectification: append a corrective event for the subject's key. The inaccurate history stays intact and auditable.",
		Args:  cobra.MinimumNArgs(3),
		Run:   runRectify,
	}

	RootCmd.AddCommand(cmd)
}

func runRectify(cmd *cobra.Command, args []string) {
	m, err := openManager()
	if err != nil {
		exitErr("open manager", err)
	}
	defer m.Close()

	h, err := m.Rectify(cmd.Context(), args[0], args[1], strings.Join(args[2:], " "), actorFlag)
	if err != nil {
		exitErr("rectify", err)
	}

	b, _ := json.Marshal(h)
	fmt.Println(string(b))
}
