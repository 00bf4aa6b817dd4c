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
	"go.uber.org/zap"

	"github.com/sells-group/reward-distributor/internal/model"
	"github.com/sells-group/reward-distributor/internal/store"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List confirmed distributions, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		producerID, _ := cmd.Flags().GetString("producer")
		runID, _ := cmd.Flags().GetString("run")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		recs, err := st.ListRecords(ctx, store.RecordFilter{
			ProducerID: producerID,
			RunID:      runID,
			Limit:      limit,
		})
		if err != nil {
			return eris.Wrap(err, "history")
		}
		if asJSON {
			return writeJSON(os.Stdout, recs)
		}
		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No distributions found.")
			return nil
		}
		formatRecords(os.Stdout, recs)
		return nil
	},
}

var baselinesCmd = &cobra.Command{
	Use:   "baselines",
	Short: "Show the rewarded baseline of every producer",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		bs, err := st.ListBaselines(ctx)
		if err != nil {
			return eris.Wrap(err, "baselines")
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(os.Stdout, bs)
		}
		if len(bs) == 0 {
			fmt.Fprintln(os.Stderr, "No baselines recorded.")
			return nil
		}
		formatBaselines(os.Stdout, bs)
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List submitted transfers whose confirmation has not been observed",
	Long:  "Each entry is resolved against the ledger at the start of the producer's next batch turn.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ps, err := st.ListPending(ctx)
		if err != nil {
			return eris.Wrap(err, "pending")
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(os.Stdout, ps)
		}
		if len(ps) == 0 {
			fmt.Fprintln(os.Stderr, "No pending transfers.")
			return nil
		}
		formatPending(os.Stdout, ps, time.Now())
		return nil
	},
}

var pendingClearCmd = &cobra.Command{
	Use:   "clear PRODUCER_ID",
	Short: "Drop a pending entry after resolving the transfer on the ledger by hand",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p, err := clearPending(ctx, st, args[0])
		if err != nil {
			return err
		}
		zap.L().Warn("pending transfer cleared by operator",
			zap.String("producer_id", p.ProducerID),
			zap.String("tx_id", p.TxID),
			zap.String("run_id", p.RunID),
		)
		fmt.Fprintf(os.Stderr, "Cleared pending transfer for %s (tx %s).\n", p.ProducerID, dash(p.TxID))
		return nil
	},
}

// clearPending removes producerID's journal entry and returns it.
func clearPending(ctx context.Context, st store.PendingStore, producerID string) (*model.PendingTransfer, error) {
	p, err := st.GetPending(ctx, producerID)
	if err != nil {
		return nil, eris.Wrap(err, "pending clear")
	}
	if p == nil {
		return nil, eris.Errorf("pending clear: no pending transfer for %s", producerID)
	}
	if err := st.DeletePending(ctx, producerID); err != nil {
		return nil, eris.Wrap(err, "pending clear")
	}
	return p, nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the store schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		fmt.Fprintf(os.Stderr, "Store %s migrated.\n", cfg.Store.Driver)
		return nil
	},
}

func init() {
	historyCmd.Flags().String("producer", "", "filter by producer id")
	historyCmd.Flags().String("run", "", "filter by run id")
	historyCmd.Flags().Int("limit", 50, "maximum number of records")
	historyCmd.Flags().Bool("json", false, "print JSON instead of a table")
	baselinesCmd.Flags().Bool("json", false, "print JSON instead of a table")
	pendingCmd.Flags().Bool("json", false, "print JSON instead of a table")

	pendingCmd.AddCommand(pendingClearCmd)
	rootCmd.AddCommand(historyCmd, baselinesCmd, pendingCmd, migrateCmd)
}

func formatRecords(out io.Writer, recs []model.DistributionRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SEQ\tRUN\tPRODUCER\tDELTA\tTOKENS\tRECEIPT\tBLOCK\tCONFIRMED")
	_, _ = fmt.Fprintln(w, "---\t---\t--------\t-----\t------\t-------\t-----\t---------")
	for _, r := range recs {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.Seq,
			shortID(r.RunID),
			r.ProducerID,
			r.DeltaUnits.String(),
			r.TokenAmount.String(),
			r.ReceiptID,
			r.BlockHeight,
			r.ConfirmedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func formatBaselines(out io.Writer, bs []model.Baseline) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PRODUCER\tREWARDED UNITS\tUPDATED")
	_, _ = fmt.Fprintln(w, "--------\t--------------\t-------")
	for _, b := range bs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n",
			b.ProducerID,
			b.LastRewardedUnits.String(),
			b.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func formatPending(out io.Writer, ps []model.PendingTransfer, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PRODUCER\tTX\tTOKENS\tTARGET\tRUN\tAGE")
	_, _ = fmt.Fprintln(w, "--------\t--\t------\t------\t---\t---")
	for _, p := range ps {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ProducerID,
			dash(p.TxID),
			p.TokenAmount.String(),
			p.TargetCumulative.String(),
			shortID(p.RunID),
			now.Sub(p.SubmittedAt).Round(time.Second),
		)
	}
	_ = w.Flush()
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
