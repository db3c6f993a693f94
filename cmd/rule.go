package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/regwatch/internal/extract"
	"github.com/JakeFAU/regwatch/internal/model"
)

func newRuleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Record human review decisions on drafted rules",
	}
	cmd.AddCommand(newRuleDecisionCmd("approve"), newRuleDecisionCmd("reject"))
	return cmd
}

func newRuleDecisionCmd(decision string) *cobra.Command {
	var reviewer, notes string
	cmd := &cobra.Command{
		Use:   decision + " <rule-id>",
		Short: fmt.Sprintf("%s a rule awaiting human review", decision),
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, appInstance App) error {
			var (
				rule model.RegulatoryRule
				err  error
			)
			if decision == "approve" {
				rule, err = appInstance.ApproveRule(cmd.Context(), args[0], reviewer, notes)
			} else {
				rule, err = appInstance.RejectRule(cmd.Context(), args[0], reviewer, notes)
			}
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "rule\t%s\n", rule.ID)
			fmt.Fprintf(w, "concept\t%s\n", rule.ConceptSlug)
			fmt.Fprintf(w, "status\t%s\n", rule.Status)
			fmt.Fprintf(w, "active\t%t\n", rule.Active)
			return w.Flush()
		}),
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "who made the decision")
	cmd.Flags().StringVar(&notes, "notes", "", "free-text reviewer notes")
	_ = cmd.MarkFlagRequired("reviewer")
	return cmd
}

func newReferenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reference",
		Short: "Maintain lookup tables such as bank or tax office codes",
	}

	var sourceURL string
	importCmd := &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Upsert a category,name,code,jurisdiction CSV export",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, appInstance App) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}
			defer func() { _ = f.Close() }()
			if sourceURL == "" {
				sourceURL = "file://" + args[0]
			}
			res, err := appInstance.ImportReferences(cmd.Context(), f, sourceURL)
			if err != nil {
				return err
			}
			return printReferences(cmd, res)
		}),
	}
	importCmd.Flags().StringVar(&sourceURL, "source-url", "", "where the export was downloaded from")

	extractCmd := &cobra.Command{
		Use:   "extract <evidence-id>",
		Short: "Extract lookup tables from a captured document",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, appInstance App) error {
			res, err := appInstance.ExtractReferences(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printReferences(cmd, res)
		}),
	}

	cmd.AddCommand(importCmd, extractCmd)
	return cmd
}

func printReferences(cmd *cobra.Command, res extract.ReferenceResult) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CATEGORY\tJURISDICTION\tTABLE")
	for _, t := range res.Tables {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.Category, t.Jurisdiction, t.ID)
	}
	fmt.Fprintf(w, "\nupserted %d, rejected %d\n", res.Upserted, res.Rejected)
	return w.Flush()
}
