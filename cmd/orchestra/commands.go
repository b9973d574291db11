package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"orchestra/internal/core"
	"orchestra/internal/router"
	"orchestra/internal/types"
	"orchestra/internal/workflow"
)

var showProgress bool

var askCmd = &cobra.Command{
	Use:   "ask [request]",
	Short: "Handle one request end to end and print the artifact",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		orch, cleanup, err := buildOrchestrator(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		if showProgress {
			errOut := cmd.ErrOrStderr()
			ctx = core.WithProgress(ctx, func(e workflow.Event) {
				fmt.Fprintf(errOut, "[%s] iteration=%d confidence=%.2f %s\n", e.Phase, e.Iteration, e.Confidence, e.Detail)
			})
		}
		res, err := orch.Handle(ctx, types.Request{Content: strings.Join(args, " "), SessionID: sessionID})
		if err != nil && !errors.Is(err, core.ErrTryAgain) {
			return err
		}
		if jsonOut {
			if encErr := printJSON(cmd.OutOrStdout(), res); encErr != nil {
				return encErr
			}
			return err
		}
		printResult(cmd.OutOrStdout(), res)
		return err
	},
}

var bidsCmd = &cobra.Command{
	Use:   "bids [request]",
	Short: "Run one bidding round and print every agent's confidence",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		orch, cleanup, err := buildOrchestrator(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		bids := orch.Router().Bids(ctx, strings.Join(args, " "))
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), bids)
		}
		printBids(cmd.OutOrStdout(), bids)
		return nil
	},
}

func init() {
	askCmd.Flags().BoolVar(&showProgress, "progress", false, "print workflow phases to stderr")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResult(w io.Writer, res core.Result) {
	switch res.Outcome {
	case core.OutcomeBlocked, core.OutcomeFailed:
		fmt.Fprintln(w, res.Message)
		return
	}
	fmt.Fprintln(w, res.Artifact)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "agent=%s confidence=%.2f iterations=%d/%d reason=%s learned=%t\n",
		res.Agent, res.Confidence, res.Metadata.Iterations, res.Metadata.MaxIterations,
		res.Metadata.CompletionReason, res.Metadata.Learned)
}

func printBids(w io.Writer, bids []router.Bid) {
	sorted := append([]router.Bid(nil), bids...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tCONFIDENCE\tREASONING")
	for _, b := range sorted {
		fmt.Fprintf(tw, "%s\t%.2f\t%s\n", b.AgentID, b.Confidence, b.Reasoning)
	}
	_ = tw.Flush()
}
