package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	alertsLimit  int
	alertsMaxAge time.Duration
)

// alertsCmd reads the error log kept by serve and worker. The store is
// opened exclusively, so these commands run while those processes are stopped.
var alertsCmd = &cobra.Command{
	Use:         "alerts",
	Short:       "Inspect recorded error-level log entries",
	Annotations: map[string]string{recordsAlerts: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var listAlertsCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the most recent alerts, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		if appInstance.AlertStore == nil {
			return fmt.Errorf("alert recording is disabled (alerts.enabled=false)")
		}

		records, err := appInstance.AlertStore.Recent(alertsLimit)
		if err != nil {
			return fmt.Errorf("failed to read alerts: %w", err)
		}
		if len(records) == 0 {
			fmt.Println("No alerts recorded.")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Time", "Level", "Message", "Fields"})
		table.SetBorder(false)
		table.SetAutoWrapText(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		for _, r := range records {
			table.Append([]string{
				r.Timestamp.Format("2006-01-02 15:04:05"),
				color.RedString(r.Level),
				r.Message,
				formatFields(r.Fields),
			})
		}
		table.Render()
		return nil
	},
}

var cleanupAlertsCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove alerts older than --max-age",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		if appInstance.AlertStore == nil {
			return fmt.Errorf("alert recording is disabled (alerts.enabled=false)")
		}
		if err := appInstance.AlertStore.CleanupOldRecords(alertsMaxAge); err != nil {
			return err
		}
		color.Green("Removed alerts older than %s.", alertsMaxAge)
		return nil
	},
}

func formatFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	return strings.Join(parts, " ")
}

func init() {
	rootCmd.AddCommand(alertsCmd)
	alertsCmd.AddCommand(listAlertsCmd, cleanupAlertsCmd)

	listAlertsCmd.Flags().IntVarP(&alertsLimit, "limit", "l", 50, "Number of alerts to display")
	cleanupAlertsCmd.Flags().DurationVar(&alertsMaxAge, "max-age", 7*24*time.Hour, "Keep alerts younger than this")
}
