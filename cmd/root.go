// cmd/root.go

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidtrain/sidtrain/sid"
	_ "github.com/sidtrain/sidtrain/sid/blob/minio"
	_ "github.com/sidtrain/sidtrain/sid/blob/s3"
)

var (
	// CLI flags for a training run
	configPath    string // YAML training config
	ngpu          int    // Requested accelerators; 0 = CPU
	trainMetadata string // Train split metadata blob
	devMetadata   string // Dev split metadata blob
	outputDir     string // Output root for checkpoints and scalar log
	logLevel      string // Log verbosity level
	seed          int64  // Overrides the config seed when set
	resume        bool   // Resume from the newest complete checkpoint
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "sidtrain",
	Short: "Training driver for speaker-identification models",
}

// trainCmd runs the epoch loop using the config file and CLI flags
var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a speaker-identification model",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel(logLevel)

		cfg, err := sid.LoadConfig(configPath)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		// CLI --seed wins over the YAML seed only when explicitly given.
		if cmd.Flags().Changed("seed") {
			logrus.Infof("CLI --seed %d overrides config seed %d", seed, cfg.Seed)
			cfg.Seed = seed
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := sid.Run(ctx, sid.RunOptions{
			Config:        cfg,
			NGPU:          ngpu,
			TrainMetadata: trainMetadata,
			DevMetadata:   devMetadata,
			OutputDir:     outputDir,
			Resume:        resume,
			Logger:        logrus.StandardLogger(),
		})
		if err != nil {
			logrus.Fatalf("Training failed: %v", err)
		}
		logrus.Infof("Training complete: %d epoch(s) on %s", len(res.Epochs), res.Device)
	},
}

func setLogLevel(name string) {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", name)
	}
	logrus.SetLevel(level)
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// registerTrainFlags declares the train command flags.
func registerTrainFlags(c *cobra.Command) {
	c.Flags().StringVar(&configPath, "config", "", "YAML training config")
	c.Flags().IntVar(&ngpu, "ngpu", 1, "Number of accelerators to use; 0 runs on the CPU")
	c.Flags().StringVar(&trainMetadata, "train-metadata", "", "Train metadata file (JSON or JSON Lines, optionally .zst/.lz4)")
	c.Flags().StringVar(&devMetadata, "dev-metadata", "", "Dev metadata file; validation is skipped when empty")
	c.Flags().StringVar(&outputDir, "output-dir", "./exp/", "Output directory for checkpoints and scalar logs")
	c.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	c.Flags().Int64Var(&seed, "seed", 0, "Seed override (defaults to the config seed)")
	c.Flags().BoolVar(&resume, "resume", false, "Resume after the newest complete checkpoint")
	if err := c.MarkFlagRequired("config"); err != nil {
		panic(fmt.Sprintf("marking --config required: %v", err))
	}
}

// init sets up CLI flags and subcommands
func init() {
	registerTrainFlags(trainCmd)
	rootCmd.AddCommand(trainCmd)
}
