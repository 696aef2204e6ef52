package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/onboardiq/platform/internal/streamchat"
)

// maxContextTurns bounds the history sent with each message.
const maxContextTurns = 10

func newAskCommand(a *app) *cobra.Command {
	var profile streamchat.UserProfile

	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Ask the onboarding assistant one question and stream the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			message := strings.Join(args, " ")
			if err := streamchat.ValidateMessage(message); err != nil {
				return err
			}
			client := streamchat.NewClient(a.cfg.Client.APIBaseURL, a.logger)
			_, err := streamReply(ctx, client, cmd.OutOrStdout(), message, chatContext(nil, profile))
			return err
		},
	}
	profileFlags(cmd, &profile)
	return cmd
}

func newChatCommand(a *app) *cobra.Command {
	var profile streamchat.UserProfile

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive streaming chat with the onboarding assistant",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client := streamchat.NewClient(a.cfg.Client.APIBaseURL, a.logger)
			out := cmd.OutOrStdout()
			if !client.CheckHealth(ctx) {
				fmt.Fprintln(out, "(streaming service unavailable, replies will be simulated)")
			}
			fmt.Fprintln(out, "Type a message, or /quit to exit.")
			return chatLoop(ctx, client, cmd.InOrStdin(), out, profile)
		},
	}
	profileFlags(cmd, &profile)
	return cmd
}

func profileFlags(cmd *cobra.Command, p *streamchat.UserProfile) {
	cmd.Flags().StringVar(&p.FirstName, "name", "", "your first name")
	cmd.Flags().StringVar(&p.CompanyName, "company", "", "your company name")
	cmd.Flags().StringVar(&p.PlanTier, "plan", "", "your plan tier")
}

func chatContext(history []streamchat.ContextMessage, profile streamchat.UserProfile) streamchat.ChatContext {
	cc := streamchat.ChatContext{Messages: history}
	if profile != (streamchat.UserProfile{}) {
		p := profile
		cc.UserProfile = &p
	}
	return cc
}

func chatLoop(ctx context.Context, client *streamchat.Client, in io.Reader, out io.Writer, profile streamchat.UserProfile) error {
	var history []streamchat.ContextMessage
	scanner := bufio.NewScanner(in)

	for {
		fmt.Fprint(out, "\nyou> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			history = nil
			fmt.Fprintln(out, "(conversation cleared)")
			continue
		}
		if err := streamchat.ValidateMessage(line); err != nil {
			fmt.Fprintf(out, "(%v)\n", err)
			continue
		}

		reply, err := streamReply(ctx, client, out, line, chatContext(history, profile))
		if err != nil {
			return err
		}
		history = append(history,
			streamchat.ContextMessage{Role: "user", Content: line},
			streamchat.ContextMessage{Role: "assistant", Content: reply},
		)
		if len(history) > maxContextTurns {
			history = history[len(history)-maxContextTurns:]
		}
	}
}

// streamReply prints chunks as they arrive and returns the full reply.
func streamReply(ctx context.Context, client *streamchat.Client, out io.Writer, message string, cc streamchat.ChatContext) (string, error) {
	fmt.Fprint(out, "assistant> ")
	reply, err := client.Stream(ctx, message, cc, streamchat.Callbacks{
		OnChunk: func(content, _ string, _ float64) {
			fmt.Fprint(out, content)
		},
		OnError: func(message string) {
			fmt.Fprintf(out, "\n(connection problem: %s; simulating)\nassistant> ", message)
		},
	})
	fmt.Fprintln(out)
	return reply, err
}
