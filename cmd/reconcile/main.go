// Command reconcile removes duplicate tickets. It only reports by default; --apply deletes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vdavid/ticketdesk/internal/config"
	"github.com/vdavid/ticketdesk/internal/db"
	"github.com/vdavid/ticketdesk/internal/lock"
	"github.com/vdavid/ticketdesk/internal/logger"
	"github.com/vdavid/ticketdesk/internal/reconcile"
)

// planner is the part of reconcile.Job the command drives.
type planner interface {
	Plan(ctx context.Context) (reconcile.Plan, error)
	Apply(ctx context.Context) (reconcile.Plan, int64, error)
}

// openFunc connects to the store and returns the job plus a cleanup func.
type openFunc func(ctx context.Context) (planner, func(), error)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(openJob).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(open openFunc) *cobra.Command {
	var apply bool
	var groups bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Find and delete duplicate tickets",
		Long: "Groups tickets by source message id and by a sender/queue/subject/body fingerprint,\n" +
			"keeps the earliest ticket of each group and deletes the rest. Without --apply nothing is deleted.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := run(cmd.Context(), open, apply, groups, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), err)
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&apply, "apply", false, "delete the duplicates in one transaction")
	cmd.Flags().BoolVar(&groups, "groups", false, "print every duplicate group, not only the counts")

	return cmd
}

func run(ctx context.Context, open openFunc, apply, groups bool, stdout, stderr io.Writer) error {
	job, cleanup, err := open(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	if !apply {
		plan, err := job.Plan(ctx)
		if err != nil {
			return err
		}
		if err := writePlan(enc, plan, groups); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(stderr, "Dry run. Use --apply to delete duplicates.")
		return nil
	}

	plan, deleted, err := job.Apply(ctx)
	if err != nil {
		return err
	}
	if err := writePlan(enc, plan, groups); err != nil {
		return err
	}
	return enc.Encode(struct {
		Deleted int64 `json:"deleted"`
	}{Deleted: deleted})
}

func writePlan(enc *json.Encoder, plan reconcile.Plan, groups bool) error {
	if groups {
		return enc.Encode(plan)
	}
	return enc.Encode(plan.Summary())
}

func openJob(ctx context.Context) (planner, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.ValidateDatabase(); err != nil {
		return nil, nil, err
	}

	log, err := logger.New(cfg.Environment)
	if err != nil {
		return nil, nil, err
	}
	log = log.Named("reconcile")

	pool, err := db.NewConnection(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}

	locker, closeLocker, err := lock.FromConfig(cfg, pool)
	if err != nil {
		db.CloseConnection(pool)
		return nil, nil, err
	}

	cleanup := func() {
		_ = closeLocker()
		db.CloseConnection(pool)
		_ = log.Sync()
	}
	return reconcile.NewJob(pool, locker, log), cleanup, nil
}
