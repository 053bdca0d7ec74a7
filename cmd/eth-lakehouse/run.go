package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/logging"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/pipeline"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/runstate"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/tables"
)

func newRunCmd() *cobra.Command {
	var (
		layerName  string
		table      string
		startBlock int64
		endBlock   int64
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one lakehouse layer",
		RunE: func(cmd *cobra.Command, args []string) error {
			layer, err := tables.ParseLayer(layerName)
			if err != nil {
				return err
			}
			var rng *runstate.Range
			switch {
			case cmd.Flags().Changed("start-block") != cmd.Flags().Changed("end-block"):
				return errors.New("--start-block and --end-block must be given together")
			case cmd.Flags().Changed("start-block"):
				rng = &runstate.Range{Start: startBlock, End: endBlock}
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := logging.WithRunID(cmd.Context(), logging.NewRunID())
			a, err := newApp(ctx, cfg, needsFor(layer))
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.orch.RunLayer(ctx, layer, table, rng); err != nil {
				step := string(layer)
				if table != "" {
					step += "." + table
				}
				if pipeline.IsDataQuality(err) {
					layer = tables.LayerFeaturesDataQuality
				}
				a.orch.Alert(ctx, step, layer, err)
				return fmt.Errorf("run %s: %w", step, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&layerName, "data-lake-layer", "", "raw, stage, analytics, features or features_data_quality")
	cmd.Flags().StringVar(&table, "table-name", "", "load only this table of the layer")
	cmd.Flags().Int64Var(&startBlock, "start-block", 0, "first block of the raw range")
	cmd.Flags().Int64Var(&endBlock, "end-block", 0, "last block of the raw range")
	cmd.MarkFlagRequired("data-lake-layer")
	return cmd
}

func newScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Resolve the next block range and run every layer over it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := logging.WithRunID(cmd.Context(), logging.NewRunID())
			a, err := newApp(ctx, cfg, needs{raw: true, features: true})
			if err != nil {
				return err
			}
			defer a.Close()
			return a.orch.Schedule(ctx)
		},
	}
}
