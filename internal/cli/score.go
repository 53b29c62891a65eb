package cli

import (
	"fmt"
	"io"
	"math"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/phonoscore/internal/audio"
	"github.com/ChuLiYu/phonoscore/internal/media"
	"github.com/ChuLiYu/phonoscore/internal/scoring"
	"github.com/ChuLiYu/phonoscore/pkg/types"
)

// scoreReport is the JSON printed by `score`. AlignmentCost is null when
// either clip is too short to produce a frame.
type scoreReport struct {
	OverallPct    float64            `json:"overall_pct"`
	PerPhoneme    map[string]float64 `json:"per_phoneme"`
	AlignmentCost *float64           `json:"alignment_cost"`
	Confidence    float64            `json:"confidence"`
}

func newScoreReport(s *types.PronunciationScore) scoreReport {
	r := scoreReport{
		OverallPct: s.OverallPct,
		PerPhoneme: s.PerPhoneme,
		Confidence: s.Confidence,
	}
	if !math.IsInf(s.AlignmentCost, 0) && !math.IsNaN(s.AlignmentCost) {
		cost := s.AlignmentCost
		r.AlignmentCost = &cost
	}
	return r
}

func (a *app) buildScoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "score <user.wav> <reference.wav>",
		Short: "Score a recording against a reference offline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return scoreFiles(args[0], args[1], a.resampleMode(), cmd.OutOrStdout())
		},
	}
}

func scoreFiles(userPath, refPath string, mode audio.ResampleMode, out io.Writer) error {
	user, err := audio.LoadWAV(userPath)
	if err != nil {
		return err
	}
	ref, err := audio.LoadWAV(refPath)
	if err != nil {
		return err
	}
	score, err := scoring.New(nil, scoring.WithResampleMode(mode)).ScoreBuffers(user, ref)
	if err != nil {
		return err
	}
	return writeJSON(out, newScoreReport(score))
}

// ============================================================================
// catalog maintenance
// ============================================================================

func (a *app) buildWordCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "word",
		Short: "Manage the word catalog",
	}

	var word types.Word
	var index bool
	var addr string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add or replace a word in the catalog",
		Long:  "Writes through the catalog service of the queue server at --addr (default queue.addr).",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.dialQueue(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx := cmd.Context()
			if err := client.catalog.PutWord(ctx, word); err != nil {
				return err
			}
			if index {
				if err := client.catalog.IndexWord(ctx, word); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Stored word %s\n", word.ID)
			return nil
		},
	}
	add.Flags().StringVar(&word.ID, "id", "", "word id")
	add.Flags().StringVar(&word.Text, "text", "", "written form")
	add.Flags().StringVar(&word.IPA, "ipa", "", "pronunciation transcription")
	add.Flags().StringVar(&word.Dialect, "dialect", "", "dialect")
	add.Flags().BoolVar(&index, "index", false, "also update the search index")
	add.Flags().StringVar(&addr, "addr", "", "queue server address (default queue.addr)")
	add.MarkFlagRequired("id")

	var searchAddr string
	search := &cobra.Command{
		Use:   "search <term>",
		Short: "List word ids whose text or IPA contains term",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.dialQueue(searchAddr)
			if err != nil {
				return err
			}
			defer client.Close()

			ids, err := client.catalog.Search(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	search.Flags().StringVar(&searchAddr, "addr", "", "queue server address (default queue.addr)")

	cmd.AddCommand(add, search)
	return cmd
}

func (a *app) buildReferenceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reference",
		Short: "Manage reference pronunciations",
	}

	add := &cobra.Command{
		Use:   "add <word-id> <dialect> <clip.wav>",
		Short: "Store a reference clip for a word and dialect",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			buf, err := audio.LoadWAV(args[2])
			if err != nil {
				return err
			}
			lib := media.NewReferenceLibrary(a.referenceStore(a.s3Client()), a.resampleMode())
			if err := lib.Store(cmd.Context(), args[0], args[1], buf); err != nil {
				return err
			}
			path, _ := media.ReferencePath(args[0], args[1])
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Stored %s (%.2fs)\n", path, buf.Duration())
			return nil
		},
	}

	cmd.AddCommand(add)
	return cmd
}
