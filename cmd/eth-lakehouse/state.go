package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/runstate"
)

func newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or override the stored block range",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the stored block range",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withResolver(cmd, func(r *runstate.Resolver) error {
				rng, err := r.Current(cmd.Context())
				if errors.Is(err, runstate.ErrNoRange) {
					fmt.Fprintln(cmd.OutOrStdout(), "no range stored")
					return nil
				}
				if err != nil {
					return err
				}
				src := runstate.SourceResolver
				if rng.Manual {
					src = runstate.SourceManual
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%d\n%s=%d\n%s=%s\n",
					runstate.KeyStart, rng.Start, runstate.KeyEnd, rng.End, runstate.KeySource, src)
				return nil
			})
		},
	}

	var start, end int64
	set := &cobra.Command{
		Use:   "set",
		Short: "Store an operator range used verbatim until cleared",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withResolver(cmd, func(r *runstate.Resolver) error {
				return r.Override(cmd.Context(), runstate.Range{Start: start, End: end})
			})
		},
	}
	set.Flags().Int64Var(&start, "start-block", 0, "first block")
	set.Flags().Int64Var(&end, "end-block", 0, "last block")
	set.MarkFlagRequired("start-block")
	set.MarkFlagRequired("end-block")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget the stored range so the next run recomputes it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withResolver(cmd, func(r *runstate.Resolver) error {
				return r.Clear(cmd.Context())
			})
		},
	}

	cmd.AddCommand(show, set, clearCmd)
	return cmd
}

// withResolver opens only the run-state store.
func withResolver(cmd *cobra.Command, fn func(*runstate.Resolver) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openState(cmd.Context(), cfg.RunState)
	if err != nil {
		return fmt.Errorf("open run state: %w", err)
	}
	defer store.Close()
	return fn(runstate.NewResolver(store, nil, nil, cfg.Perf.MaxRangeWidth))
}
