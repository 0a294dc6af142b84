package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-sync/internal/model"
	"github.com/sells-group/prospect-sync/internal/monitoring"
	"github.com/sells-group/prospect-sync/internal/rules"
	"github.com/sells-group/prospect-sync/internal/store"
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List, acknowledge, digest and purge quality alerts",
}

// withAlerts opens the store and hands a Manager to fn.
func withAlerts(ctx context.Context, fn func(*monitoring.Manager) error) error {
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	catalog, err := rules.Load(cfg.Rules.Path)
	if err != nil {
		return eris.Wrap(err, "load rules catalog")
	}
	return fn(monitoring.NewManager(st, catalog, monitoring.RetentionDays(cfg.Monitoring.AlertRetentionDays)))
}

func alertFilterFromFlags(cmd *cobra.Command) (store.AlertFilter, error) {
	sev, _ := cmd.Flags().GetString("severity")
	typ, _ := cmd.Flags().GetString("type")
	position, _ := cmd.Flags().GetString("position")
	src, _ := cmd.Flags().GetString("source")
	all, _ := cmd.Flags().GetBool("all")
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")

	f := store.AlertFilter{
		Type:     model.AlertType(typ),
		Position: position,
		Source:   model.Source(src),
		Limit:    limit,
	}
	if sev != "" {
		s, err := model.ParseSeverity(sev)
		if err != nil {
			return f, err
		}
		f.Severity = s
	}
	if !all {
		open := false
		f.Acknowledged = &open
	}
	if since > 0 {
		f.Since = time.Now().UTC().Add(-since)
	}
	return f, nil
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open alerts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		filter, err := alertFilterFromFlags(cmd)
		if err != nil {
			return err
		}
		return withAlerts(cmd.Context(), func(m *monitoring.Manager) error {
			alerts, err := m.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(alerts) == 0 {
				fmt.Fprintln(os.Stderr, "No alerts found.")
				return nil
			}
			formatAlertsList(os.Stdout, alerts)
			return nil
		})
	},
}

var alertsAckCmd = &cobra.Command{
	Use:   "ack <alert-id>",
	Short: "Acknowledge an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		by, _ := cmd.Flags().GetString("by")
		return withAlerts(cmd.Context(), func(m *monitoring.Manager) error {
			a, err := m.Acknowledge(cmd.Context(), args[0], by)
			if err != nil {
				return eris.Wrap(err, "alerts ack")
			}
			fmt.Fprintf(os.Stdout, "Alert %s acknowledged by %s\n", truncateID(a.ID), a.AcknowledgedBy)
			return nil
		})
	},
}

var alertsDigestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Print a digest of open alerts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		filter, err := alertFilterFromFlags(cmd)
		if err != nil {
			return err
		}
		return withAlerts(cmd.Context(), func(m *monitoring.Manager) error {
			d, err := m.Digest(cmd.Context(), filter)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, d.Subject)
			fmt.Fprintln(os.Stdout)
			fmt.Fprint(os.Stdout, d.Body)
			return nil
		})
	},
}

var alertsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete alerts older than the retention window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withAlerts(cmd.Context(), func(m *monitoring.Manager) error {
			n, err := m.Purge(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Purged %d alerts\n", n)
			return nil
		})
	},
}

func addAlertFilterFlags(cmd *cobra.Command) {
	cmd.Flags().String("severity", "", "filter by severity (INFO, WARNING, CRITICAL)")
	cmd.Flags().String("type", "", "filter by alert type (coverage, validation, outlier, quality_score)")
	cmd.Flags().String("position", "", "filter by position")
	cmd.Flags().String("source", "", "filter by source")
	cmd.Flags().Bool("all", false, "include acknowledged alerts")
	cmd.Flags().Duration("since", 0, "only alerts generated within this window")
	cmd.Flags().Int("limit", 100, "max number of alerts")
}

func init() {
	addAlertFilterFlags(alertsListCmd)
	addAlertFilterFlags(alertsDigestCmd)
	alertsAckCmd.Flags().String("by", "", "who is acknowledging the alert")
	_ = alertsAckCmd.MarkFlagRequired("by")

	alertsCmd.AddCommand(alertsListCmd)
	alertsCmd.AddCommand(alertsAckCmd)
	alertsCmd.AddCommand(alertsDigestCmd)
	alertsCmd.AddCommand(alertsPurgeCmd)
	rootCmd.AddCommand(alertsCmd)
}

// formatAlertsList writes a tabular list of alerts to w.
func formatAlertsList(out io.Writer, alerts []model.Alert) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSEVERITY\tTYPE\tSLICE\tVALUE\tTHRESHOLD\tACK\tGENERATED")
	_, _ = fmt.Fprintln(w, "--\t--------\t----\t-----\t-----\t---------\t---\t---------")
	for _, a := range alerts {
		ack := "-"
		if a.Acknowledged {
			ack = a.AcknowledgedBy
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f\t%.1f\t%s\t%s\n",
			truncateID(a.ID),
			a.Severity,
			a.Type,
			a.Slice,
			a.MetricValue,
			a.ThresholdValue,
			ack,
			a.GeneratedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}
