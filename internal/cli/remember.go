package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/memledger/memledger/internal/manager"
	"github.com/memledger/memledger/internal/model"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "remember [value]",
		Short: "Store a memory",
		Long:  "Store a memory as an immutable event. Value can be a positional arg or piped via stdin.",
		Run:   runRemember,
	}

	cmd.Flags().StringP("key", "k", "", "Key (required)")
	cmd.Flags().StringP("tier", "t", "", "Tier hint: short_term, long_term, shared (default short_term)")
	cmd.Flags().Float64P("importance", "i", 0, "Importance weight, 0 to 1")
	cmd.Flags().Bool("pii", false, "Mark as personal data (requires --subject and --purpose)")
	cmd.Flags().StringP("subject", "s", "", "Data subject the value refers to")
	cmd.Flags().StringP("purpose", "p", "", "Processing purpose consent is checked against")

	cmd.MarkFlagRequired("key")

	RootCmd.AddCommand(cmd)
}

func runRemember(cmd *cobra.Command, args []string) {
	key, _ := cmd.Flags().GetString("key")
	tierHint, _ := cmd.Flags().GetString("tier")
	importance, _ := cmd.Flags().GetFloat64("importance")
	pii, _ := cmd.Flags().GetBool("pii")
	subject, _ := cmd.Flags().GetString("subject")
	purpose, _ := cmd.Flags().GetString("purpose")

	// Get value: positional arg first, then check stdin
	var value string
	if len(args) > 0 {
		value = strings.Join(args, " ")
	} else {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				exitErr("read stdin", err)
			}
			value = string(b)
		}
	}

	if strings.TrimSpace(value) == "" {
		exitErr("remember", fmt.Errorf("value is required (positional arg or stdin)"))
	}

	m, err := openManager()
	if err != nil {
		exitErr("open manager", err)
	}
	defer m.Close()

	h, err := m.Remember(cmd.Context(), manager.RememberParams{
		Key:       key,
		Value:     strings.TrimSpace(value),
		TierHint:  tierHint,
		Actor:     actorFlag,
		PII:       pii,
		SubjectID: subject,
		Purpose:   purpose,
		Important: importance,
	})
	var derr *model.DegradedWriteError
	if errors.As(err, &derr) {
		fmt.Fprintf(os.Stderr, "warning: event committed but tier write degraded: %v\n", derr)
	} else if err != nil {
		exitErr("remember", err)
	}

	b, _ := json.Marshal(h)
	fmt.Println(string(b))
}
