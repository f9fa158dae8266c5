package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/raphaelgruber/statdesk/internal/client"
	"github.com/spf13/cobra"
)

var (
	sendSession string
	sendDocs    []string
	sendNoWait  bool
)

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Ask a question and wait for the assistant's reply",
	Long: `Send a message to the assistant and wait for its reply with a progress display.

Without --session a new session is created and named after the message.
With --no-wait the message is submitted and the command returns immediately;
read the reply later with 'statdesk sessions show'.

Examples:
  statdesk send "How many learners wrote matric in 2024?"
  statdesk send "Break that down by province" --session 3f2a...
  statdesk send "Summarise the staffing report" --doc 9c1e...
  statdesk send "Compare with 2023" -s 3f2a... --no-wait`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVarP(&sendSession, "session", "s", "", "session to continue (default: new session)")
	sendCmd.Flags().StringSliceVarP(&sendDocs, "doc", "d", nil, "document ids to reference")
	sendCmd.Flags().BoolVar(&sendNoWait, "no-wait", false, "submit without waiting for the reply")
}

func runSend(cmd *cobra.Command, args []string) error {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return fmt.Errorf("message must not be empty")
	}

	if !sendNoWait {
		return RunSendProgress(sendSession, text, sendDocs)
	}

	input := client.SendMessageInput{
		Message:     text,
		DocumentIDs: sendDocs,
	}
	if sendSession != "" {
		input.SessionID = &sendSession
	}

	ack, err := apiClient.SendMessage(context.Background(), input)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	fmt.Printf("Sent to session %s.\n", ack.SessionID)
	fmt.Printf("Use 'statdesk sessions show %s' to read the reply.\n", ack.SessionID)
	return nil
}
