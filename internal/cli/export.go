package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/raphaelgruber/statdesk/internal/transcript"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export <session-id> [path]",
	Short: "Export a session to a Markdown transcript",
	Long: `Export a session as Markdown with YAML frontmatter.

The path may be a file or an existing directory; by default the transcript is
written to the current directory, named after the session. Exported transcripts
can be loaded into the development server with 'statdesk-server --seed <dir>'.

Examples:
  statdesk export 3f2a...
  statdesk export 3f2a... ./transcripts
  statdesk export 3f2a... matric.md`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runExport,
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	session, err := apiClient.GetSession(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}

	content, err := transcript.Render(session)
	if err != nil {
		return fmt.Errorf("render transcript: %w", err)
	}

	path := transcript.FileName(session)
	if len(args) > 1 {
		path = args[1]
		info, err := os.Stat(path)
		switch {
		case err == nil && info.IsDir():
			path = filepath.Join(path, transcript.FileName(session))
		case err != nil && !errors.Is(err, os.ErrNotExist):
			return fmt.Errorf("stat %s: %w", path, err)
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create export directory: %w", err)
		}
	}

	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	fmt.Printf("Exported %d messages to %s\n", len(session.Messages), path)
	return nil
}
