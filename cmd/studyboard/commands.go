package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/c360studio/studyboard/boardlog"
	"github.com/c360studio/studyboard/config"
	"github.com/c360studio/studyboard/llm"
	"github.com/c360studio/studyboard/pagestore"
	"github.com/c360studio/studyboard/pdfref"
	"github.com/spf13/cobra"
)

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// offline loads config for commands that work on the data directory
// without a running server.
func (g *globals) offline() (*config.Config, *slog.Logger, error) {
	logger := g.logger()
	cfg, err := g.load(logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func boardCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Inspect and initialize board logs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init <board-id>",
		Short: "Create a board log if it does not exist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.offline()
			if err != nil {
				return err
			}
			rec, err := boardlog.New(cfg.BoardsDir(), boardlog.WithLogger(logger)).Init(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec.Summarize())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "summary <board-id>",
		Short: "Print a board's PDFs, windows and recent operations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.offline()
			if err != nil {
				return err
			}
			sum, err := boardlog.New(cfg.BoardsDir(), boardlog.WithLogger(logger)).Summary(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	})

	return cmd
}

func pdfCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pdf",
		Short: "Reference-counted PDF maintenance",
	}

	manager := func() (*pdfref.Manager, error) {
		cfg, logger, err := g.offline()
		if err != nil {
			return nil, err
		}
		boards := boardlog.New(cfg.BoardsDir(), boardlog.WithLogger(logger))
		pages := pagestore.New(cfg.PagesDir(), cfg.ImagesDir(), pagestore.WithLogger(logger))
		return pdfref.New(boards, pages, cfg.UploadsDir(), pdfref.WithLogger(logger)), nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "refs <filename>",
		Short: "List the boards referencing a PDF",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manager()
			if err != nil {
				return err
			}
			refs, err := m.References(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), refs)
		},
	})

	var boardID string
	del := &cobra.Command{
		Use:   "delete <filename>",
		Short: "Remove a PDF from one board (or all) and delete its files once unreferenced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manager()
			if err != nil {
				return err
			}
			res, err := m.Delete(cmd.Context(), args[0], boardID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	del.Flags().StringVar(&boardID, "board", "", "Only remove the reference from this board")
	cmd.AddCommand(del)

	return cmd
}

func llmCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "llm",
		Short: "LLM gateway diagnostics",
	}

	var limit int
	interactions := &cobra.Command{
		Use:   "interactions",
		Short: "Print the most recent logged LLM interactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.offline()
			if err != nil {
				return err
			}
			tail := cfg.LLM.InteractionTail
			if limit > tail {
				tail = limit
			}
			log, err := llm.OpenInteractionLog(cfg.InteractionLogPath(), tail, llm.WithInteractionLogger(logger))
			if err != nil {
				return err
			}
			defer log.Close()
			return printJSON(cmd.OutOrStdout(), log.Recent(limit))
		},
	}
	interactions.Flags().IntVar(&limit, "limit", 20, "Number of records to print (0 for the whole tail)")
	cmd.AddCommand(interactions)

	return cmd
}
