package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bosley/healthas/apperr"
	"github.com/bosley/healthas/conversation"
	"github.com/bosley/healthas/orchestrator"
)

func newChatCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <message>",
		Short: "Send one text message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if strings.TrimSpace(text) == "" {
				return apperr.Validation("message", "message cannot be empty")
			}

			orch, err := opts.newOrchestrator(cmd.Context(), nil, nil, nil)
			if err != nil {
				return err
			}
			defer orch.Close(context.Background())

			before := len(orch.Conversation().Entries)
			orch.SendText(text)
			orch.Wait()

			failed := false
			for _, e := range orch.Conversation().Entries[before:] {
				if e.Sender != conversation.SenderAssistant {
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), e.Text)
				failed = failed || e.Text == orchestrator.ChatFallback
			}
			if failed {
				return apperr.ErrTransfer
			}
			return nil
		},
	}
}
