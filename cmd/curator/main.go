// Command curator is the CLI front end for the command-interpretation
// engine: natural-language reads, two-phase writes, batches and plan-mode
// streaming over the local record store.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"curator/internal/catalog"
	"curator/internal/config"
	"curator/internal/engine"
	"curator/internal/logging"
	"curator/internal/plan"
	"curator/internal/types"
)

var (
	configPath string
	sessionID  string
	jsonOutput bool
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:           "curator",
		Short:         "Natural-language data management with previewed writes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", ".curator/config.yaml", "config file path")
	root.PersistentFlags().StringVar(&sessionID, "session", "default", "session id for two-phase writes")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit results as JSON")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(askCmd(), previewCmd(), confirmCmd(), rejectCmd(), batchCmd(), planCmd(), catalogCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup builds the engine and a signal-aware context. The returned
// cleanup stops the config watcher and closes the engine.
func setup() (context.Context, *engine.Engine, func(), error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	cfg, err := config.Load(configPath)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	log, err := logging.New(level, cfg.Logging.Format)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}

	eng, err := engine.New(cfg, log)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}

	watcher, err := config.NewWatcher(configPath, cfg, eng.ApplyConfig)
	if err != nil {
		log.Warn("config hot reload unavailable", zap.Error(err))
		watcher = nil
	} else if err := watcher.Start(); err != nil {
		log.Warn("config hot reload unavailable", zap.Error(err))
		watcher = nil
	}

	cleanup := func() {
		if watcher != nil {
			watcher.Stop()
		}
		if err := eng.Close(); err != nil {
			log.Warn("shutdown error", zap.Error(err))
		}
		_ = log.Sync()
		stop()
	}
	return ctx, eng, cleanup, nil
}

func askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask <request...>",
		Short: "Run a read-only request",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, eng, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := eng.SubmitReadQuery(ctx, strings.Join(args, " "), nil)
			if err != nil {
				return err
			}
			return printResult(result)
		},
	}
}

func previewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preview <request...>",
		Short: "Interpret a request in write mode; writes stop at a preview",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, eng, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := eng.SubmitWritePreview(ctx, sessionID, strings.Join(args, " "), nil)
			if err != nil {
				return err
			}
			if err := printResult(result); err != nil {
				return err
			}
			if result.Preview != nil && !jsonOutput {
				fmt.Printf("confirm with: curator confirm %s\n", result.Preview.PlanHash)
			}
			return nil
		},
	}
}

func confirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <plan-hash>",
		Short: "Execute the pending previewed write",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, eng, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := eng.ConfirmWrite(ctx, sessionID, args[0])
			if err != nil {
				return err
			}
			return printResult(result)
		},
	}
}

func rejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject",
		Short: "Discard the pending previewed write",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, eng, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			if !eng.RejectWrite(sessionID) {
				fmt.Println("nothing pending")
				return nil
			}
			fmt.Println("preview discarded")
			return nil
		},
	}
}

func batchCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "batch <request...>",
		Short: "Run a request that resolves to a multi-item operation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, eng, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := eng.RunBatch(ctx, strings.Join(args, " "), nil, dryRun)
			if err != nil && !types.IsKind(err, types.KindPartialBatchFailure) {
				return err
			}
			return printResult(result)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "preview every item, apply nothing")
	return cmd
}

func planCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Interactive plan mode: reads execute, writes stop at previews",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, eng, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			session := eng.OpenPlan(ctx)
			defer eng.ClosePlan(session.ID)
			fmt.Printf("plan session %s (ctrl-d to exit; nothing here changes data)\n", session.ID)

			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if err := eng.StreamPlan(session.ID, line); err != nil {
					fmt.Println("error:", err)
					continue
				}
				drainTurn(ctx, eng, session)
				if ctx.Err() != nil {
					return nil
				}
			}
		},
	}
}

// drainTurn prints session events until the turn finishes or the context
// is cancelled.
func drainTurn(ctx context.Context, eng *engine.Engine, session *plan.Session) {
	for {
		select {
		case <-ctx.Done():
			eng.CancelPlan(session.ID)
			return
		case ev, ok := <-session.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case plan.EventInterpretation:
				if ev.Interpretation != nil {
					fmt.Printf("  [%s %s, confidence %.2f]\n",
						ev.Interpretation.Operation, ev.Interpretation.TargetType, ev.Interpretation.Confidence)
				}
			case plan.EventMessage:
				fmt.Println(" ", ev.Message)
				printRecords(ev.Records)
			case plan.EventPreview:
				fmt.Println(" ", ev.Message)
				if ev.Preview != nil {
					printRecords(ev.Preview.Sample)
				}
			case plan.EventError:
				fmt.Println("  error:", ev.Message)
			case plan.EventTurnDone:
				return
			}
		}
	}
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect and extend the type catalog",
	}
	var invalidate bool
	show := &cobra.Command{
		Use:   "show",
		Short: "List known types and fields",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, eng, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			if invalidate {
				eng.Catalog().InvalidateType("")
			}
			cat, err := eng.Catalog().Catalog(ctx)
			if err != nil {
				return err
			}
			fmt.Print(cat.Vocabulary())
			return nil
		},
	}
	show.Flags().BoolVar(&invalidate, "invalidate", false, "drop cached catalogs and reload from the store")

	cmd.AddCommand(
		show,
		&cobra.Command{
			Use:   "define <type> <field> [kind]",
			Short: "Add a field to a type, creating the type if new",
			Args:  cobra.RangeArgs(2, 3),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, eng, cleanup, err := setup()
				if err != nil {
					return err
				}
				defer cleanup()

				kind := "string"
				if len(args) == 3 {
					kind = args[2]
				}
				def := catalog.FieldDef{Name: args[1], Kind: kind}
				if err := eng.Store().DefineField(ctx, args[0], def); err != nil {
					return err
				}
				eng.Catalog().InvalidateType(args[0])
				fmt.Printf("defined %s.%s (%s)\n", args[0], args[1], kind)
				return nil
			},
		},
	)
	return cmd
}

func printResult(result types.Result) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	fmt.Println(result.Message)
	printRecords(result.Records)
	if result.Record != nil {
		printRecords([]types.Record{*result.Record})
	}
	if result.Preview != nil {
		fmt.Printf("plan %s, expires %s\n", result.Preview.PlanHash,
			result.Preview.ExpiresAt.Format("15:04:05"))
		printRecords(result.Preview.Sample)
	}
	if result.Batch != nil {
		for _, item := range result.Batch.Items {
			fmt.Printf("  [%d] %s: %s\n", item.Index, item.Status, item.Message)
		}
	}
	return nil
}

func printRecords(records []types.Record) {
	for _, rec := range records {
		fields, _ := json.Marshal(rec.Fields)
		if rec.ID != "" {
			fmt.Printf("  %s %s %s\n", rec.Type, rec.ID, fields)
		} else {
			fmt.Printf("  %s %s\n", rec.Type, fields)
		}
	}
}
