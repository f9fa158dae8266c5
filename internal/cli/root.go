// Package cli provides the command-line interface for statdesk.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/raphaelgruber/statdesk/internal/auth"
	"github.com/raphaelgruber/statdesk/internal/chat"
	"github.com/raphaelgruber/statdesk/internal/client"
	"github.com/raphaelgruber/statdesk/internal/config"
	"github.com/raphaelgruber/statdesk/internal/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool

	// Shared state, initialized in PersistentPreRunE
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func() error
	tokens    *auth.Store
	apiClient *client.Client
	collector *metrics.Collector
)

// interactiveCommands own the terminal, so their logs only go to the log file.
var interactiveCommands = map[string]bool{
	"chat": true,
	"send": true,
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "statdesk",
	Short: "Chat with the education statistics assistant",
	Long: `statdesk is a terminal client for the education statistics chat assistant.

Ask questions about enrolment, staffing and school performance, optionally
referencing uploaded documents. Replies are generated asynchronously; statdesk
shows your message immediately and waits for the assistant in the background.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg = config.Load()
		level := cfg.LogLevel
		if verbose {
			level = slog.LevelDebug
		}
		logger, closeLog = config.SetupLogger(cfg.LogFile, level, verbose && !interactiveCommands[cmd.Name()])
		slog.SetDefault(logger)

		tokens = auth.NewStore(cfg.TokenFile, logger)
		collector = metrics.NewCollector()
		apiClient = client.New(cfg.APIURL,
			client.WithTokenSource(tokens),
			client.WithTimeout(cfg.ClientTimeout),
			client.WithUnauthorizedHandler(tokens.Logout),
			client.WithMetrics(collector),
			client.WithLogger(logger),
		)

		logger.Debug("statdesk starting", "command", cmd.Name(), "api_url", cfg.APIURL, "reply_mode", cfg.ReplyMode)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			if err := closeLog(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// newEngine builds a chat engine using the configured reply detection mode.
// Push mode keeps a poll watcher as fallback for when the event stream is unavailable.
func newEngine(listener func(chat.Event)) *chat.Engine {
	fallback := chat.NewPollWatcher(apiClient, cfg.PollInterval)

	var watcher chat.ReplyWatcher = fallback
	if cfg.ReplyMode == config.ReplyModePush {
		watcher = chat.NewPushWatcher(apiClient, apiClient, fallback, logger)
	}

	opts := []chat.Option{
		chat.WithLogger(logger),
		chat.WithMetrics(collector),
		chat.WithReplyTimeout(cfg.ReplyTimeout),
		chat.WithProgressDuration(cfg.ProgressDuration),
	}
	if listener != nil {
		opts = append(opts, chat.WithListener(listener))
	}
	return chat.NewEngine(apiClient, watcher, opts...)
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return explain(rootCmd.Execute())
}

// explain turns authentication failures into an actionable message.
func explain(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, auth.ErrNotLoggedIn):
		return fmt.Errorf("not logged in, run `statdesk login` first")
	case errors.Is(err, client.ErrUnauthorized):
		return fmt.Errorf("session expired or token rejected, run `statdesk login` again")
	default:
		return err
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (debug logs on stderr)")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(documentsCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(statsCmd)
}
