// Command vaultchat asks the Bhakti Vault chat backend questions from a
// terminal, streaming answers as they arrive.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/TBVault/tbv-frontend-sub000/internal/identity"
)

type options struct {
	backendURL    string
	transcriptURL string
	token         string
	verbose       bool
}

func (o *options) tokenSource() (identity.StaticToken, error) {
	if o.token == "" {
		return "", fmt.Errorf("an access token is required: pass --token or set TBV_ACCESS_TOKEN")
	}
	return identity.StaticToken(o.token), nil
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "vaultchat",
		Short:         "Chat with the Bhakti Vault from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.backendURL, "backend", envOr("CHAT_BACKEND_URL", "http://localhost:8000"), "chat backend base URL")
	flags.StringVar(&opts.transcriptURL, "transcripts", os.Getenv("TRANSCRIPT_SERVICE_URL"), "transcript service base URL (defaults to --backend)")
	flags.StringVar(&opts.token, "token", os.Getenv("TBV_ACCESS_TOKEN"), "bearer access token")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log debug output to stderr")

	cmd.AddCommand(newAskCmd(opts), newChatCmd(opts), newTranscriptCmd(opts))
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
