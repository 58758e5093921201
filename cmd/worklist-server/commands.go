package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ehr/worklist/internal/domain/worklist"
	"github.com/ehr/worklist/internal/platform/db"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			sh, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer sh.close()

			count, err := sh.migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) to the %s store.\n", count, cfg.StoreDriver)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			sh, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer sh.close()

			statuses, err := sh.migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Version", "Name", "Status", "Applied At"},
				migrationRows(statuses),
				[]columnAlignment{alignRight},
			))
			return nil
		},
	})

	return cmd
}

func migrationRows(statuses []db.MigrationStatus) [][]string {
	rows := make([][]string, 0, len(statuses))
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		rows = append(rows, []string{strconv.Itoa(s.Version), s.Name, status, appliedAt})
	}
	return rows
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation against the EMR order feed and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.EMRBaseURL == "" {
				return fmt.Errorf("EMR_BASE_URL is required for sync")
			}
			logger := newLogger(cfg)
			ctx := cmd.Context()
			sh, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer sh.close()

			svc, err := newSyncService(cfg, sh.store, nil, logger)
			if err != nil {
				return err
			}
			// An interrupted pass is aborted before the store closes.
			defer svc.Close(context.Background())
			res, err := svc.Sync(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fetched %d, skipped %d, changed %d in %s\n",
				res.Fetched, res.Skipped, res.Changed, res.Duration)
			return nil
		},
	}
}

func worklistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worklist",
		Short: "Inspect the local worklist",
	}

	var status, modality, date string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List worklist entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := listFilter(status, modality, date, limit)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			sh, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer sh.close()

			return printEntries(ctx, cmd, sh.store, filter)
		},
	}
	list.Flags().StringVar(&status, "status", "", "Comma separated statuses (default: active)")
	list.Flags().StringVar(&modality, "modality", "", "Modality code")
	list.Flags().StringVar(&date, "date", "", "Scheduled date YYYYMMDD")
	list.Flags().IntVar(&limit, "limit", 100, "Maximum number of entries")
	cmd.AddCommand(list)
	return cmd
}

func listFilter(status, modality, date string, limit int) (worklist.Filter, error) {
	statuses, err := worklist.ParseStatuses(status)
	if err != nil {
		return worklist.Filter{}, err
	}
	f := worklist.Filter{
		Statuses: statuses,
		Modality: strings.ToUpper(strings.TrimSpace(modality)),
		Limit:    limit,
	}
	if date != "" {
		if len(date) != 8 {
			return f, fmt.Errorf("date must be YYYYMMDD, got %q", date)
		}
		f.DateFrom, f.DateTo = date, date
	}
	return f, nil
}

func printEntries(ctx context.Context, cmd *cobra.Command, store worklist.Store, f worklist.Filter) error {
	entries, err := store.FindScheduledProcedures(ctx, f)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No worklist entries.")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"Accession", "Patient ID", "Patient Name", "Modality", "Date", "Time", "Status"},
		entryRows(entries),
		nil,
	))
	return nil
}

func entryRows(entries []*worklist.Entry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.AccessionNumber,
			e.PatientID,
			e.Patient.PatientName,
			e.Modality,
			e.AppointmentDate,
			e.AppointmentTime,
			e.Status,
		})
	}
	return rows
}
