package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cmdwarden/internal/audit"
	"cmdwarden/internal/config"
)

func auditCmd(v *viper.Viper) *cobra.Command {
	command := &cobra.Command{
		Use:   "audit",
		Short: "Show recent decisions from the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, configErr := config.Load(v)
			if configErr != nil {
				return configErr
			}
			limit, _ := cmd.Flags().GetInt("limit")
			showApprovals, _ := cmd.Flags().GetBool("approvals")
			return runAudit(cfg, limit, showApprovals)
		},
	}
	command.Flags().Int("limit", 50, "maximum records to show")
	command.Flags().Bool("approvals", false, "show approval outcomes instead of decisions")
	return command
}

func runAudit(cfg config.Config, limit int, showApprovals bool) error {
	auditLog, openErr := audit.OpenReadOnly(cfg.AuditPath)
	if openErr != nil {
		return openErr
	}
	defer auditLog.Close()

	writer := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer writer.Flush()

	if showApprovals {
		records, listErr := auditLog.RecentApprovals(limit)
		if listErr != nil {
			return listErr
		}
		fmt.Fprintln(writer, "AT\tRULE\tOUTCOME\tREMEMBERED\tID")
		for _, record := range records {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%t\t%s\n",
				record.At.Format("2006-01-02 15:04:05"),
				record.RuleName, record.Outcome, record.Remembered, record.ID)
		}
		return nil
	}

	records, listErr := auditLog.RecentDecisions(limit)
	if listErr != nil {
		return listErr
	}
	fmt.Fprintln(writer, "AT\tACTION\tRULE\tCALLER\tCOMMAND")
	for _, record := range records {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			record.At.Format("2006-01-02 15:04:05"),
			record.Action, record.RuleName, record.Caller, record.Command)
	}
	return nil
}
