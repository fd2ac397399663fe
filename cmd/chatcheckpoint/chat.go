package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/leofalp/chatcheckpoint/internal/utils"
)

// demoConversation is replayed when chat gets no messages.
var demoConversation = []string{
	"Hi, I need information about demolition hammers",
	"Which is the most powerful one you have?",
	"How much does it cost to rent it for 15 days?",
}

func newChatCmd(c *cli) *cobra.Command {
	var (
		sessionID   string
		userID      string
		interactive bool
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "chat [message...]",
		Short: "Run conversation turns; without messages a demo conversation is played",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if sessionID == "" {
				sessionID = "demo-" + time.Now().UTC().Format("20060102-150405")
			}

			next := turnSource(args, interactive, cmd.InOrStdin())
			for turn := 1; ; turn++ {
				text, ok := next()
				if !ok {
					break
				}
				result, err := c.app.Runner.SubmitTurn(ctx, sessionID, userID, text)
				if err != nil {
					return fmt.Errorf("turn %d: %w", turn, err)
				}
				if asJSON {
					fmt.Fprintln(out, utils.JSONString(result, false))
					continue
				}
				fmt.Fprintf(out, "--- turn %d (checkpoint %d) ---\n", turn, result.Snapshot.Sequence)
				fmt.Fprintf(out, "user:      %s\n", text)
				fmt.Fprintf(out, "assistant: %s\n", result.Assistant.Content)
			}

			if !asJSON {
				fmt.Fprintf(out, "\nsession %s (backend %s)\n", sessionID, c.app.Selection.Backend.Name())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (default demo-<timestamp>)")
	cmd.Flags().StringVar(&userID, "user", "user-123", "user id owning the session")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "read messages from stdin, one per line")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print each turn result as JSON")
	return cmd
}

// turnSource yields the messages to submit: args, stdin lines, or the demo.
func turnSource(args []string, interactive bool, in io.Reader) func() (string, bool) {
	if interactive {
		scanner := bufio.NewScanner(in)
		return func() (string, bool) {
			for scanner.Scan() {
				if line := strings.TrimSpace(scanner.Text()); line != "" {
					return line, true
				}
			}
			return "", false
		}
	}

	queue := args
	if len(queue) == 0 {
		queue = demoConversation
	}
	return func() (string, bool) {
		if len(queue) == 0 {
			return "", false
		}
		text := queue[0]
		queue = queue[1:]
		return text, true
	}
}
