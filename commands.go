package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"groundrag/internal/app"
	"groundrag/internal/config"
	"groundrag/internal/ingest"
	"groundrag/internal/logger"
	"groundrag/internal/rag"
)

var outputJSON bool

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "groundrag",
		Short:         "Retrieval-augmented question answering over local documents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&outputJSON, "json", false, "Print results as JSON")

	root.AddCommand(newServeCmd(), newIngestCmd(), newAskCmd(), newSourcesCmd(), newPurgeCmd())
	return root
}

// withApp loads config, bootstraps dependencies and hands a wired App to fn.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	slog.SetDefault(logger.New(os.Stderr, cfg.LogLevel))

	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer deps.Close()

	a, err := app.New(cfg, deps)
	if err != nil {
		return err
	}
	return fn(ctx, a)
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				return a.Run(ctx)
			})
		},
	}
}

func newIngestCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "ingest [dir]",
		Short: "Ingest every supported document in a directory",
		Long: `Ingest every .pdf, .txt and .md file in dir (DATA_DIR when omitted).

Examples:
  groundrag ingest
  groundrag ingest ./docs --mode replace`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				if mode == "" {
					mode = a.Config().IngestMode
				}
				m, err := ingest.ParseMode(mode)
				if err != nil {
					return err
				}
				dir := a.Config().DataDir
				if len(args) == 1 {
					dir = args[0]
				}
				report, err := a.Ingester.IngestDirectory(ctx, dir, ingest.Options{Mode: m})
				if err != nil {
					return err
				}
				if err := printIngestReport(cmd, report); err != nil {
					return err
				}
				if report.Failed > 0 {
					return fmt.Errorf("%d document(s) failed: %w", report.Failed, errors.Join(report.Errors()...))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "Handling of already ingested files: skip, replace or append (default from INGEST_MODE)")
	return cmd
}

func printIngestReport(cmd *cobra.Command, r *ingest.Report) error {
	if outputJSON {
		return printJSON(cmd, r)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tSTATUS\tCHUNKS\tERROR")
	for _, d := range r.Documents {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", d.SourceFile, d.Status, d.Chunks, d.Error)
	}
	w.Flush()
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d ingested, %d skipped, %d failed, %d chunks\n", r.Ingested, r.Skipped, r.Failed, r.Chunks)
	return nil
}

func newAskCmd() *cobra.Command {
	var opts rag.AskOptions
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question from the ingested documents",
		Long: `Answer a question using only the ingested documents, citing sources.

Examples:
  groundrag ask "What is the first-line therapy for type 2 diabetes?"
  groundrag ask --top-k 8 --source guidelines.pdf "When is insulin started?"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.TopK < 0 {
				return fmt.Errorf("top-k must be >= 0")
			}
			if opts.MinSimilarity < 0 || opts.MinSimilarity > 1 {
				return fmt.Errorf("min-similarity must be in [0, 1]")
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				ans, err := a.RAG.Ask(ctx, args[0], opts)
				if ans != nil {
					if perr := printAnswer(cmd, ans); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&opts.TopK, "top-k", 0, "Number of chunks to retrieve (default from TOP_K)")
	cmd.Flags().StringVar(&opts.SourceFile, "source", "", "Restrict retrieval to one source file")
	cmd.Flags().Float64Var(&opts.MinSimilarity, "min-similarity", 0, "Drop chunks below this cosine similarity")
	return cmd
}

func printAnswer(cmd *cobra.Command, ans *rag.Answer) error {
	if outputJSON {
		return printJSON(cmd, ans)
	}
	out := cmd.OutOrStdout()
	if ans.Text != "" {
		fmt.Fprintf(out, "%s\n", ans.Text)
	}
	if len(ans.Sources) == 0 {
		return nil
	}
	fmt.Fprintln(out, "\nSources:")
	for _, s := range ans.Sources {
		loc := fmt.Sprintf("chunk %d", s.ChunkIndex)
		if s.Page > 0 {
			loc = fmt.Sprintf("page %d, %s", s.Page, loc)
		}
		fmt.Fprintf(out, "  %s %s (%s, similarity %.3f)\n", s.Marker, s.SourceFile, loc, s.Similarity)
	}
	return nil
}

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List ingested source files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sources, err := a.Sources.List(ctx)
				if err != nil {
					return err
				}
				if outputJSON {
					return printJSON(cmd, sources)
				}
				if len(sources) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No sources ingested")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SOURCE\tCHUNKS\tINGESTED")
				for _, s := range sources {
					fmt.Fprintf(w, "%s\t%d\t%s\n", s.SourceFile, s.Chunks, s.IngestedAt.Format("2006-01-02 15:04"))
				}
				return w.Flush()
			})
		},
	}
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <source>",
		Short: "Delete every chunk of a source file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Sources.Purge(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d chunks of %s\n", n, args[0])
				return nil
			})
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", data)
	return nil
}
