package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/reward-distributor/internal/distribution"
	"github.com/sells-group/reward-distributor/internal/model"
)

var (
	distributeSnapshot string
	distributeDryRun   bool
	distributeJSON     bool
)

var distributeCmd = &cobra.Command{
	Use:   "distribute",
	Short: "Run one distribution batch",
	Long:  "Fetches the production snapshot, then reconciles and pays every producer in order. Exits non-zero when any producer failed or the batch stopped early.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initDistributor(ctx, "distribute")
		if err != nil {
			return err
		}
		defer env.Close()

		feed, err := newFeed(distributeSnapshot)
		if err != nil {
			return err
		}
		producers, err := feed.Snapshot(ctx)
		if err != nil {
			return eris.Wrap(err, "distribute: load snapshot")
		}

		if distributeDryRun {
			plan, err := env.Orch.Preview(ctx, producers)
			if err != nil {
				return err
			}
			if distributeJSON {
				return writeJSON(os.Stdout, plan)
			}
			formatPlan(os.Stdout, plan)
			return nil
		}

		if _, err := env.Sessions.Establish(ctx); err != nil {
			return eris.Wrap(err, "distribute: establish session")
		}

		watch := time.Duration(cfg.Session.WatchIntervalSecs) * time.Second
		res, err := runWatched(ctx, env.Orch, env.Sessions, watch, producers)
		if err != nil {
			return eris.Wrap(err, "distribute")
		}

		if distributeJSON {
			if err := writeJSON(os.Stdout, res); err != nil {
				return err
			}
		} else {
			formatResult(os.Stdout, res)
		}
		return batchError(res)
	},
}

func init() {
	distributeCmd.Flags().StringVar(&distributeSnapshot, "snapshot", "", "read the snapshot from a YAML or JSON file instead of feed.url")
	distributeCmd.Flags().BoolVar(&distributeDryRun, "dry-run", false, "show planned transfers without contacting the ledger")
	distributeCmd.Flags().BoolVar(&distributeJSON, "json", false, "print JSON instead of a table")
	rootCmd.AddCommand(distributeCmd)
}

type batchRunner interface {
	RunBatch(ctx context.Context, producers []model.Producer) (*model.BatchRunResult, error)
}

type identityWatcher interface {
	Watch(ctx context.Context, interval time.Duration) error
}

// runWatched runs one batch while w polls the ledger identity. The watcher
// stops when the batch returns.
func runWatched(ctx context.Context, runner batchRunner, w identityWatcher, interval time.Duration, producers []model.Producer) (*model.BatchRunResult, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var res *model.BatchRunResult
	g, gctx := errgroup.WithContext(watchCtx)
	g.Go(func() error { return w.Watch(gctx, interval) })
	g.Go(func() error {
		defer cancel()
		var err error
		res, err = runner.RunBatch(ctx, producers)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// batchError turns a finished batch into the command result.
func batchError(res *model.BatchRunResult) error {
	switch {
	case res.Aborted:
		return eris.Errorf("batch %s stopped early: %s", res.RunID, res.AbortReason)
	case res.Failed > 0:
		return eris.Errorf("batch %s: %d producer(s) failed", res.RunID, res.Failed)
	default:
		return nil
	}
}

// formatResult writes a per-producer table followed by a summary line.
func formatResult(out io.Writer, res *model.BatchRunResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PRODUCER\tSTATUS\tREASON\tDELTA\tTOKENS\tRECEIPT")
	_, _ = fmt.Fprintln(w, "--------\t------\t------\t-----\t------\t-------")
	for _, o := range res.Outcomes {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			o.ProducerID,
			o.Status,
			dash(string(o.Reason)),
			quantityOrDash(o.DeltaUnits),
			quantityOrDash(o.TokenAmount),
			dash(o.ReceiptID),
		)
	}
	_ = w.Flush()

	p := message.NewPrinter(language.English)
	_, _ = p.Fprintf(out, "\nRun %s: %d succeeded, %d failed, %d skipped of %d producers in %v\n",
		res.RunID, res.Succeeded, res.Failed, res.Skipped, len(res.Outcomes),
		res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond),
	)
	if res.Aborted {
		_, _ = fmt.Fprintf(out, "Stopped early: %s\n", res.AbortReason)
	}
}

// formatPlan writes the dry-run table.
func formatPlan(out io.Writer, plan []distribution.PlannedTransfer) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PRODUCER\tDESTINATION\tBASELINE\tDELTA\tTOKENS\tNOTE")
	_, _ = fmt.Fprintln(w, "--------\t-----------\t--------\t-----\t------\t----")
	transfers := 0
	for _, e := range plan {
		note := string(e.Reason)
		if e.PendingTxID != "" {
			note = "pending " + e.PendingTxID
		}
		if e.TokenAmount != nil {
			transfers++
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ProducerID,
			dash(e.Destination),
			e.Baseline.String(),
			e.DeltaUnits.String(),
			quantityOrDash(e.TokenAmount),
			dash(note),
		)
	}
	_ = w.Flush()

	p := message.NewPrinter(language.English)
	_, _ = p.Fprintf(out, "\n%d of %d producers would receive a transfer\n", transfers, len(plan))
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return eris.Wrap(err, "encode json")
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func quantityOrDash(q *model.Quantity) string {
	if q == nil {
		return "-"
	}
	return q.String()
}
