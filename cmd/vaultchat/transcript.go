package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/TBVault/tbv-frontend-sub000/internal/chatobject"
	"github.com/TBVault/tbv-frontend-sub000/internal/transcript"
)

func newTranscriptCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "transcript ID [CHUNK]",
		Short: "Show a transcript, or one cited chunk of it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := opts.tokenSource()
			if err != nil {
				return err
			}
			base := opts.transcriptURL
			if base == "" {
				base = opts.backendURL
			}
			client, err := transcript.NewClient(base, nil, tokens, 0)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(args) == 2 {
				index, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("chunk must be a number: %w", err)
				}
				ex, err := client.Resolve(cmd.Context(), chatobject.TranscriptCitation{TranscriptID: args[0], ChunkIndex: index})
				if err != nil {
					return err
				}
				answerColor.Fprintln(out, ex.Title)
				fmt.Fprintln(out, ex.Text)
				return nil
			}

			t, err := client.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			answerColor.Fprintln(out, t.Title)
			if t.Summary != "" {
				progressColor.Fprintln(out, t.Summary)
			}
			for _, c := range t.Chunks {
				citeColor.Fprintf(out, "[%d] ", c.Index)
				fmt.Fprintln(out, c.Text)
			}
			return nil
		},
	}
}
