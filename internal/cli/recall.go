package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/memledger/memledger/internal/manager"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "recall [query]",
		Short: "Query memories across tiers",
		Long:  "Recall memories by query: short-term scan, long-term vector search, shared memory. Results merge ranked by match score and importance.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runRecall,
	}

	cmd.Flags().StringSliceP("tiers", "t", nil, "Restrict to tiers (default: all)")
	cmd.Flags().IntP("limit", "l", 10, "Max results")
	cmd.Flags().Bool("pii", false, "Query touches personal data (requires --subject and --purpose)")
	cmd.Flags().StringP("subject", "s", "", "Data subject for the consent check")
	cmd.Flags().StringP("purpose", "p", "", "Processing purpose for the consent check")

	RootCmd.AddCommand(cmd)
}

func runRecall(cmd *cobra.Command, args []string) {
	tiers, _ := cmd.Flags().GetStringSlice("tiers")
	limit, _ := cmd.Flags().GetInt("limit")
	pii, _ := cmd.Flags().GetBool("pii")
	subject, _ := cmd.Flags().GetString("subject")
	purpose, _ := cmd.Flags().GetString("purpose")
	query := strings.Join(args, " ")

	m, err := openManager()
	if err != nil {
		exitErr("open manager", err)
	}
	defer m.Close()

	res, err := m.Recall(cmd.Context(), manager.RecallParams{
		Query:     query,
		TierScope: tiers,
		Limit:     limit,
		Actor:     actorFlag,
		PII:       pii,
		SubjectID: subject,
		Purpose:   purpose,
	})
	if err != nil {
		exitErr("recall", err)
	}

	if len(res.Hits) == 0 && len(res.Warnings) == 0 {
		fmt.Println("[]")
		return
	}

	b, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(b))
}
