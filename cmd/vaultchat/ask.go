package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/TBVault/tbv-frontend-sub000/internal/chat"
	"github.com/TBVault/tbv-frontend-sub000/internal/chatobject"
)

var (
	promptColor   = color.New(color.FgGreen, color.Bold)
	answerColor   = color.New(color.FgCyan, color.Bold)
	progressColor = color.New(color.Faint, color.Italic)
	citeColor     = color.New(color.FgYellow)
	errorColor    = color.New(color.FgRed)
)

func newAskCmd(opts *options) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "ask QUESTION",
		Short: "Ask a single question and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			assembler, err := newAssembler(opts)
			if err != nil {
				return err
			}
			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return ask(ctx, cmd.OutOrStdout(), assembler, sessionID, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "chat session id (a new one by default)")
	return cmd
}

func newChatCmd(opts *options) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			assembler, err := newAssembler(opts)
			if err != nil {
				return err
			}
			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session %s. Type 'exit' to quit; Ctrl+C stops the current answer.\n\n", sessionID)
			return chatLoop(cmd.Context(), cmd.InOrStdin(), out, assembler, sessionID)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "chat session id (a new one by default)")
	return cmd
}

func newAssembler(opts *options) (*chat.Assembler, error) {
	tokens, err := opts.tokenSource()
	if err != nil {
		return nil, err
	}
	backend, err := chat.NewHTTPBackend(opts.backendURL, nil, tokens)
	if err != nil {
		return nil, err
	}
	return chat.NewAssembler(backend), nil
}

func chatLoop(ctx context.Context, in io.Reader, out io.Writer, assembler *chat.Assembler, sessionID string) error {
	scanner := bufio.NewScanner(in)
	for {
		promptColor.Fprint(out, "You: ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		query := strings.TrimSpace(scanner.Text())
		if query == "" {
			continue
		}
		if strings.EqualFold(query, "exit") {
			return nil
		}

		turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		err := ask(turnCtx, out, assembler, sessionID, query)
		stop()
		if err != nil {
			errorColor.Fprintf(out, "Error: %v\n", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// ask runs one turn, printing text as it streams. Ending ctx cancels the
// turn and keeps what was already printed.
func ask(ctx context.Context, out io.Writer, assembler *chat.Assembler, sessionID, query string) error {
	p := &streamPrinter{w: out}
	answerColor.Fprint(out, "Vault: ")

	turn, err := assembler.StartTurn(ctx, sessionID, query, chat.WithTurnObserver(p))
	if err != nil {
		return err
	}

	state, err := turn.Wait(context.Background())
	p.endLine()

	switch state {
	case chat.StateCancelled:
		progressColor.Fprintln(out, "(stopped)")
	case chat.StateFailed:
		if chat.Classify(err) == chat.ReasonReauthenticate {
			return errors.New("access token expired; sign in again and pass a new --token")
		}
		return err
	}

	if sess, ok := assembler.Session(sessionID); ok {
		if msg, ok := sess.Message(turn.AssistantMessageID()); ok {
			printFooter(out, chat.Compose(msg.Content))
		}
	}
	fmt.Fprintln(out)
	return nil
}

// streamPrinter writes text deltas as they arrive and shows progress lines
// until the answer starts.
type streamPrinter struct {
	w           io.Writer
	started     bool
	progressLen int
	citations   map[string]int
}

func (p *streamPrinter) ObjectAppended(_ string, obj chatobject.Object) {
	switch d := obj.Data.(type) {
	case chatobject.ChatProgress:
		if p.started {
			return
		}
		p.clearProgress()
		s := progressColor.Sprint(d.Progress)
		p.progressLen = utf8.RuneCountInString(d.Progress)
		fmt.Fprint(p.w, s)
	case chatobject.TextDelta:
		p.clearProgress()
		p.started = true
		fmt.Fprint(p.w, d.Delta)
	case chatobject.TranscriptCitation, chatobject.WebSearchCitation:
		p.clearProgress()
		p.started = true
		citeColor.Fprintf(p.w, "[%d]", p.number(obj))
	}
}

func (p *streamPrinter) number(obj chatobject.Object) int {
	if p.citations == nil {
		p.citations = make(map[string]int)
	}
	key := citationLabel(obj)
	n, ok := p.citations[key]
	if !ok {
		n = len(p.citations) + 1
		p.citations[key] = n
	}
	return n
}

func (p *streamPrinter) clearProgress() {
	if p.progressLen == 0 {
		return
	}
	fmt.Fprint(p.w, "\r"+strings.Repeat(" ", p.progressLen)+"\r")
	p.progressLen = 0
}

func (p *streamPrinter) endLine() {
	p.clearProgress()
	fmt.Fprintln(p.w)
}

// printFooter lists the sources cited by an answer.
func printFooter(w io.Writer, d chat.Display) {
	if len(d.Citations) == 0 {
		return
	}
	citeColor.Fprintln(w, "Sources:")
	for _, c := range d.Citations {
		fmt.Fprintf(w, "  [%d] %s\n", c.Number, citationLabel(c.Source))
	}
}

func citationLabel(obj chatobject.Object) string {
	switch d := obj.Data.(type) {
	case chatobject.TranscriptCitation:
		if d.ChunkIndex == chatobject.SummaryChunkIndex {
			return fmt.Sprintf("transcript %s (summary)", d.TranscriptID)
		}
		return fmt.Sprintf("transcript %s, chunk %d", d.TranscriptID, d.ChunkIndex)
	case chatobject.WebSearchCitation:
		return d.URL
	default:
		return string(obj.Type())
	}
}
