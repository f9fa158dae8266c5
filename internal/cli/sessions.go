package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/raphaelgruber/statdesk/internal/models"
	"github.com/spf13/cobra"
)

var (
	sessionsLimit  int
	sessionsFilter string
	deleteForce    bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List, create, show or delete chat sessions",
	Long: `Manage chat sessions.

Subcommands:
  list    List sessions, most recent first (default)
  create  Create an empty session
  show    Print a session's messages
  delete  Delete a session

Examples:
  statdesk sessions
  statdesk sessions --filter "matric"
  statdesk sessions create "Matric pass rates"
  statdesk sessions show 3f2a...
  statdesk sessions delete 3f2a... --force`,
	Args: cobra.NoArgs,
	RunE: runSessionsList,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create an empty session",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessionsCreate,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a session's messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "max results (0 for all)")
	sessionsCmd.Flags().StringVarP(&sessionsFilter, "filter", "f", "", "fuzzy-match session names")
	sessionsListCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "max results (0 for all)")
	sessionsListCmd.Flags().StringVarP(&sessionsFilter, "filter", "f", "", "fuzzy-match session names")
	sessionsDeleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "skip confirmation")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsCreateCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	sessions, err := apiClient.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions yet. Start one with `statdesk send \"your question\"`.")
		return nil
	}

	sessions = filterSessions(sessions, sessionsFilter)
	if len(sessions) == 0 {
		fmt.Printf("No sessions match %q.\n", sessionsFilter)
		return nil
	}

	total := len(sessions)
	if sessionsLimit > 0 && total > sessionsLimit {
		sessions = sessions[:sessionsLimit]
	}

	fmt.Printf("Sessions (%d):\n\n", total)
	for _, s := range sessions {
		fmt.Printf("- %s  %s\n", s.ID, s.Name)
		if verbose {
			fmt.Printf("  %d messages, created %s\n", s.MessageCount, s.CreatedAt.Local().Format(time.DateTime))
		}
	}
	if len(sessions) < total {
		fmt.Printf("... and %d more\n", total-len(sessions))
	}

	return nil
}

func runSessionsCreate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	var name string
	if len(args) > 0 {
		name = args[0]
	}

	session, err := apiClient.CreateSession(ctx, name)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	fmt.Printf("Created session %s (%s)\n", session.ID, session.Name)
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	session, err := apiClient.GetSession(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}

	fmt.Print(renderSession(session, defaultTheme))
	return nil
}

// renderSession formats a session for plain terminal output.
func renderSession(session *models.Session, theme Theme) string {
	var sb strings.Builder
	sb.WriteString(theme.titleStyle().Render(session.Name))
	sb.WriteString("\n")
	if len(session.Messages) == 0 {
		sb.WriteString(theme.hintStyle().Render("No messages yet."))
		sb.WriteString("\n")
	}
	for _, m := range session.Messages {
		sb.WriteString("\n")
		sb.WriteString(renderMessage(m, theme))
	}
	return sb.String()
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	session, err := apiClient.GetSession(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}

	if !deleteForce {
		fmt.Printf("About to delete: %s (%d messages)\n", session.Name, len(session.Messages))
		fmt.Print("\nContinue? [y/N]: ")

		reader := bufio.NewReader(os.Stdin)
		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		response = strings.TrimSpace(strings.ToLower(response))

		if response != "y" && response != "yes" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := apiClient.DeleteSession(ctx, session.ID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	fmt.Printf("Deleted: %s\n", session.Name)
	return nil
}
