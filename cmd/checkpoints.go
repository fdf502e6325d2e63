package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidtrain/sidtrain/sid"
	"github.com/sidtrain/sidtrain/sid/blob"
	"github.com/sidtrain/sidtrain/sid/checkpoint"
)

var (
	// CLI flags for checkpoint listing
	listOutputDir  string // Output root of the run to inspect
	listConfigPath string // Optional config naming a remote checkpoint store
)

// checkpointsCmd lists the complete checkpoints of a run
var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "List complete checkpoints of a training run",
	Run: func(cmd *cobra.Command, args []string) {
		storage := blob.Config{Backend: blob.BackendLocal}
		if listConfigPath != "" {
			cfg, err := sid.LoadConfig(listConfigPath)
			if err != nil {
				logrus.Fatalf("%v", err)
			}
			storage = cfg.Checkpoint.Storage
		}
		recs, err := listCheckpoints(cmd.Context(), storage, listOutputDir)
		if err != nil {
			logrus.Fatalf("Listing checkpoints: %v", err)
		}
		if len(recs) == 0 {
			logrus.Warnf("No complete checkpoint under %s", listOutputDir)
			return
		}
		if err := printCheckpoints(cmd.OutOrStdout(), recs); err != nil {
			logrus.Fatalf("%v", err)
		}
	},
}

func listCheckpoints(ctx context.Context, storage blob.Config, root string) ([]checkpoint.Record, error) {
	if err := storage.Validate(); err != nil {
		return nil, err
	}
	store, err := blob.Open(ctx, storage, root)
	if err != nil {
		return nil, err
	}
	return checkpoint.NewManager(store, checkpoint.Config{}, nil).List(ctx)
}

// printCheckpoints writes one row per record, marking the lowest validation loss.
func printCheckpoints(w io.Writer, recs []checkpoint.Record) error {
	best, _ := checkpoint.Best(recs)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EPOCH\tSTEP\tLR\tVAL_LOSS\t")
	for _, r := range recs {
		mark := ""
		if r.Epoch == best.Epoch {
			mark = "best"
		}
		fmt.Fprintf(tw, "%d\t%d\t%.6g\t%.6f\t%s\n", r.Epoch, r.Step, r.LR, r.ValLoss, mark)
	}
	return tw.Flush()
}

func init() {
	checkpointsCmd.Flags().StringVar(&listOutputDir, "output-dir", "./exp/", "Output directory of the run")
	checkpointsCmd.Flags().StringVar(&listConfigPath, "config", "", "Training config; selects the checkpoint storage backend")
	rootCmd.AddCommand(checkpointsCmd)
}
