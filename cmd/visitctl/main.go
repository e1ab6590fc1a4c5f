// visitctl - operator CLI for the visit engine
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/warp/visit-engine/billing"
	"github.com/warp/visit-engine/config"
	"github.com/warp/visit-engine/jobs"
	"github.com/warp/visit-engine/logging"
	"github.com/warp/visit-engine/store/postgres"
	"github.com/warp/visit-engine/store/sqlite"
	"github.com/warp/visit-engine/store/sqlstore"
	"github.com/warp/visit-engine/visit"
)

var (
	configPath string
	dbPath     string
	output     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "visitctl",
		Short:         "Visit engine CLI - run batch jobs and export ledgers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path, overrides database.dsn")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json, yaml)")

	// Job commands
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Run batch jobs",
	}
	jobCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List registered jobs and their next scheduled run",
			RunE:  listJobs,
		},
		&cobra.Command{
			Use:   "run [job-name]",
			Short: "Run one batch job to completion across all owners",
			Args:  cobra.ExactArgs(1),
			RunE:  runJob,
		},
		&cobra.Command{
			Use:   "runs [job-name]",
			Short: "Show recent runs of a job",
			Args:  cobra.ExactArgs(1),
			RunE:  listRuns,
		},
	)

	// History commands
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Reschedule ledger",
	}
	historyExport := &cobra.Command{
		Use:   "export",
		Short: "Export an owner's reschedule history as CSV",
		RunE:  exportHistory,
	}
	historyExport.Flags().String("owner", "", "Owner id")
	historyExport.Flags().String("status", "", "Only entries with this status")
	historyExport.MarkFlagRequired("owner")
	historyCmd.AddCommand(historyExport)

	// Billing commands
	billingCmd := &cobra.Command{
		Use:   "billing",
		Short: "Billing records",
	}
	billingExport := &cobra.Command{
		Use:   "export",
		Short: "Export an owner's billing records as CSV",
		RunE:  exportBilling,
	}
	billingExport.Flags().String("owner", "", "Owner id")
	billingExport.Flags().String("from", "", "First visit date (YYYY-MM-DD)")
	billingExport.Flags().String("to", "", "Last visit date (YYYY-MM-DD)")
	billingExport.Flags().String("client", "", "Only this client label")
	billingExport.MarkFlagRequired("owner")
	billingCmd.AddCommand(billingExport)

	rootCmd.AddCommand(jobCmd, historyCmd, billingCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// WIRING
// =============================================================================

type env struct {
	cfg    *config.Config
	store  *sqlstore.Store
	logger zerolog.Logger
}

func setup(ctx context.Context) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Database.Driver = "sqlite"
		cfg.Database.DSN = dbPath
	}
	logger := logging.NewWithWriter(cfg.Logging, os.Stderr)

	var store *sqlstore.Store
	if strings.ToLower(cfg.Database.Driver) == "postgres" {
		store, err = postgres.New(ctx, cfg.Database.DSN, postgres.Options{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime.Std(),
		})
	} else {
		store, err = sqlite.New(cfg.Database.DSN)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &env{cfg: cfg, store: store, logger: logger}, nil
}

func (e *env) runner() (*jobs.Runner, error) {
	loc, err := time.LoadLocation(e.cfg.Jobs.Timezone)
	if err != nil {
		return nil, err
	}
	r := jobs.NewRunner(jobs.NewBatch(e.store, e.cfg.Jobs.PageSize, e.logger), loc, e.logger)
	specs := []string{e.cfg.Jobs.MaterializeSchedule, e.cfg.Jobs.BillingSchedule, ""}
	for i, job := range []jobs.Job{
		jobs.NewMaterializer(e.store, e.cfg.Jobs.HorizonDays, e.logger),
		jobs.NewBillingSnapshot(e.store, e.cfg.Jobs.BillingLookbackDays, e.logger),
		jobs.NewHistoryBackfill(e.store),
	} {
		if err := r.Register(specs[i], job); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// signalContext is cancelled on SIGINT so a long batch stops at the next
// owner and keeps its checkpoint.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// =============================================================================
// JOB COMMANDS
// =============================================================================

func listJobs(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.store.Close()

	r, err := e.runner()
	if err != nil {
		return err
	}

	type jobRow struct {
		Name    string `json:"name" yaml:"name"`
		NextRun string `json:"next_run,omitempty" yaml:"next_run,omitempty"`
	}
	var rows []jobRow
	for _, name := range r.Jobs() {
		row := jobRow{Name: name}
		if next := r.NextRun(name); !next.IsZero() {
			row.NextRun = next.Format(time.RFC3339)
		}
		rows = append(rows, row)
	}

	if output != "table" {
		return printOutput(rows)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tNEXT RUN")
	for _, row := range rows {
		next := row.NextRun
		if next == "" {
			next = "manual"
		}
		fmt.Fprintf(w, "%s\t%s\n", row.Name, next)
	}
	return w.Flush()
}

func runJob(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.store.Close()

	r, err := e.runner()
	if err != nil {
		return err
	}
	run, err := r.RunNow(ctx, args[0])
	if run != nil {
		if perr := printRuns([]visit.JobRun{*run}); perr != nil {
			return perr
		}
	}
	return err
}

func listRuns(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.store.Close()

	runs, err := e.store.ListJobRuns(ctx, args[0], 20)
	if err != nil {
		return err
	}
	return printRuns(runs)
}

func printRuns(runs []visit.JobRun) error {
	if output != "table" {
		return printOutput(runs)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tJOB\tSTATUS\tSTARTED\tPROCESSED\tFAILURES\tERROR")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			run.ID, run.Job, run.Status, run.StartedAt.Format(time.RFC3339),
			run.Processed, len(run.Failures), run.Error)
	}
	return w.Flush()
}

// =============================================================================
// EXPORT COMMANDS
// =============================================================================

func exportHistory(cmd *cobra.Command, args []string) error {
	owner, _ := cmd.Flags().GetString("owner")
	status, _ := cmd.Flags().GetString("status")
	if status != "" && !visit.EntryStatus(status).Valid() {
		return fmt.Errorf("unknown status %q", status)
	}

	ctx, cancel := signalContext()
	defer cancel()
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.store.Close()

	entries, err := visit.NewLedger(e.store).History(ctx, visit.OwnerID(owner), visit.EntryStatus(status))
	if err != nil {
		return err
	}
	return visit.ExportHistoryCSV(os.Stdout, entries)
}

func exportBilling(cmd *cobra.Command, args []string) error {
	owner, _ := cmd.Flags().GetString("owner")
	client, _ := cmd.Flags().GetString("client")
	f := billing.Filter{ClientLabel: client}
	for _, p := range []struct {
		flag string
		dst  *visit.Date
	}{{"from", &f.Range.From}, {"to", &f.Range.To}} {
		s, _ := cmd.Flags().GetString(p.flag)
		if s == "" {
			continue
		}
		d, err := visit.ParseDate(s)
		if err != nil {
			return fmt.Errorf("--%s: %w", p.flag, err)
		}
		*p.dst = d
	}

	ctx, cancel := signalContext()
	defer cancel()
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.store.Close()

	res, err := billing.NewDeriver(e.store, e.logger).Derive(ctx, visit.OwnerID(owner), f)
	if err != nil {
		return err
	}
	for _, u := range res.Unattributed {
		e.logger.Warn().Str("waypoint_id", string(u.WaypointID)).Str("reason", u.Reason).Msg("visit not attributed to a billing client")
	}
	return billing.ExportRecordsCSV(os.Stdout, res.Records)
}

// =============================================================================
// OUTPUT
// =============================================================================

func printOutput(data any) error {
	switch output {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case "yaml":
		return yaml.NewEncoder(os.Stdout).Encode(data)
	}
	return fmt.Errorf("unknown output format %q", output)
}
