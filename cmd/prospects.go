package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-sync/internal/lineage"
	"github.com/sells-group/prospect-sync/internal/model"
	"github.com/sells-group/prospect-sync/internal/store"
)

var prospectsCmd = &cobra.Command{
	Use:   "prospects",
	Short: "Browse canonical prospects",
}

var prospectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List canonical prospects",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		position, _ := cmd.Flags().GetString("position")
		college, _ := cmd.Flags().GetString("college")
		name, _ := cmd.Flags().GetString("name")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.ProspectFilter{
			Position: strings.ToUpper(position),
			College:  college,
			Name:     name,
			Limit:    limit,
		}
		if status != "" {
			s, err := model.ParseProspectStatus(status)
			if err != nil {
				return err
			}
			filter.Status = s
		}

		rows, err := st.ListSummaries(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "prospects list")
		}
		if len(rows) == 0 {
			fmt.Fprintln(os.Stderr, "No prospects found.")
			return nil
		}
		formatProspects(os.Stdout, rows)
		return nil
	},
}

var prospectsShowCmd = &cobra.Command{
	Use:   "show <prospect-id>",
	Short: "Show a prospect and its current fields",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p, err := st.GetProspect(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "prospects show")
		}
		fields, err := st.ListFields(ctx, p.ID)
		if err != nil {
			return eris.Wrap(err, "prospects show")
		}
		fmt.Fprintf(os.Stdout, "%s %s  %s  %s  [%s]\n\n", p.FirstName, p.LastName, p.Position, p.College, p.Status)
		formatFields(os.Stdout, fields)
		return nil
	},
}

var prospectsStatusCmd = &cobra.Command{
	Use:   "status <prospect-id> <active|withdrawn|inactive>",
	Short: "Set a prospect's lifecycle status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := model.ParseProspectStatus(args[1])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.SetProspectStatus(ctx, args[0], status); err != nil {
			return eris.Wrap(err, "prospects status")
		}
		if err := st.RefreshAggregates(ctx); err != nil {
			return eris.Wrap(err, "refresh aggregates")
		}
		fmt.Fprintf(os.Stdout, "Prospect %s is now %s\n", truncateID(args[0]), status)
		return nil
	},
}

var lineageCmd = &cobra.Command{
	Use:   "lineage <prospect-id> <field>",
	Short: "Explain how a field reached its current value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		history := lineage.NewHistory(st)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		asOf, _ := cmd.Flags().GetString("as-of")
		if asOf != "" {
			t, err := time.Parse(time.RFC3339, asOf)
			if err != nil {
				return eris.Wrap(err, "parse --as-of")
			}
			e, err := history.AsOf(ctx, args[0], args[1], t)
			if err != nil {
				return eris.Wrap(err, "lineage as-of")
			}
			return enc.Encode(e)
		}

		ex, err := history.Explain(ctx, args[0], args[1])
		if err != nil {
			return eris.Wrap(err, "lineage explain")
		}
		return enc.Encode(ex)
	},
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List source conflicts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entity, _ := cmd.Flags().GetString("entity")
		field, _ := cmd.Flags().GetString("field")
		runID, _ := cmd.Flags().GetString("run")
		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")

		recs, err := st.ListConflicts(ctx, store.ConflictFilter{
			EntityID:  entity,
			FieldName: field,
			RunID:     runID,
			Open:      !all,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "conflicts")
		}
		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No conflicts found.")
			return nil
		}
		formatConflicts(os.Stdout, recs)
		return nil
	},
}

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "List records quarantined during transformation",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runID, _ := cmd.Flags().GetString("run")
		extraction, _ := cmd.Flags().GetString("extraction-id")
		src, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")

		recs, err := st.ListQuarantine(ctx, store.QuarantineFilter{
			RunID:        runID,
			ExtractionID: extraction,
			Source:       model.Source(src),
			Limit:        limit,
		})
		if err != nil {
			return eris.Wrap(err, "quarantine")
		}
		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No quarantined records.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "STAGING\tRUN\tSOURCE\tREASON")
		for _, q := range recs {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", truncateID(q.StagingID), truncateID(q.RunID), q.Source, q.Reason)
		}
		return w.Flush()
	},
}

func init() {
	prospectsListCmd.Flags().String("position", "", "filter by position")
	prospectsListCmd.Flags().String("college", "", "filter by college")
	prospectsListCmd.Flags().String("name", "", "filter by name substring")
	prospectsListCmd.Flags().String("status", "", "filter by status (active, withdrawn, inactive)")
	prospectsListCmd.Flags().Int("limit", 50, "max number of prospects")

	lineageCmd.Flags().String("as-of", "", "show the entry in effect at this RFC 3339 time")

	conflictsCmd.Flags().String("entity", "", "filter by prospect id")
	conflictsCmd.Flags().String("field", "", "filter by field name")
	conflictsCmd.Flags().String("run", "", "filter by run id")
	conflictsCmd.Flags().Bool("all", false, "include resolved conflicts")
	conflictsCmd.Flags().Int("limit", 100, "max number of conflicts")

	quarantineCmd.Flags().String("run", "", "filter by run id")
	quarantineCmd.Flags().String("extraction-id", "", "filter by extraction batch")
	quarantineCmd.Flags().String("source", "", "filter by source")
	quarantineCmd.Flags().Int("limit", 100, "max number of records")

	prospectsCmd.AddCommand(prospectsListCmd)
	prospectsCmd.AddCommand(prospectsShowCmd)
	prospectsCmd.AddCommand(prospectsStatusCmd)
	rootCmd.AddCommand(prospectsCmd)
	rootCmd.AddCommand(lineageCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(quarantineCmd)
}

func formatProspects(out io.Writer, rows []store.ProspectSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tPOS\tCOLLEGE\tSTATUS\tFIELDS\tSOURCES\tREVIEW")
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			truncateID(r.EntityID), r.DisplayName, r.Position, r.College, r.Status,
			r.FieldCount, r.SourceCount, r.ManualReviewCount)
	}
	_ = w.Flush()
}

func formatFields(out io.Writer, fields []model.CanonicalField) {
	sort.Slice(fields, func(i, j int) bool { return fields[i].FieldName < fields[j].FieldName })
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FIELD\tVALUE\tSOURCE\tCONFIDENCE\tRULE")
	for _, f := range fields {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\n", f.FieldName, f.Value, f.WinningSource, f.Confidence, f.RuleID)
	}
	_ = w.Flush()
}

func formatConflicts(out io.Writer, recs []model.ConflictRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ENTITY\tFIELD\tCANDIDATES\tRULE\tWINNER\tREVIEW")
	for _, c := range recs {
		srcs := make([]string, 0, len(c.CandidateValuesBySource))
		for s := range c.CandidateValuesBySource {
			srcs = append(srcs, string(s))
		}
		sort.Strings(srcs)
		cands := make([]string, 0, len(srcs))
		for _, s := range srcs {
			cands = append(cands, s+"="+c.CandidateValuesBySource[model.Source(s)].String())
		}
		winner := string(c.WinningSource)
		if winner == "" {
			winner = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
			truncateID(c.EntityID), c.FieldName, strings.Join(cands, " "), c.ResolutionRule, winner, c.RequiresManualReview)
	}
	_ = w.Flush()
}
