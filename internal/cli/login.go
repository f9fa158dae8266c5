package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/raphaelgruber/statdesk/internal/auth"
	"github.com/raphaelgruber/statdesk/internal/client"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var loginToken string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the API token used for all requests",
	Long: `Store the API bearer token. Without --token the token is read from the
terminal without echo, or from stdin when piped.

The token is verified against the server before it is kept.

Examples:
  statdesk login
  statdesk login --token "$STATDESK_API_TOKEN"
  pass show statdesk | statdesk login`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored API token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := tokens.Clear(); err != nil {
			return fmt.Errorf("clear token: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginToken, "token", "", "API token (prompted when omitted)")
}

func runLogin(cmd *cobra.Command, args []string) error {
	token := strings.TrimSpace(loginToken)
	if token == "" {
		var err error
		token, err = readToken()
		if err != nil {
			return err
		}
	}
	if token == "" {
		return errors.New("token must not be empty")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ClientTimeout)
	defer cancel()
	if err := verifyAndSave(ctx, cfg.APIURL, token, tokens); err != nil {
		return err
	}

	fmt.Printf("Logged in. Token stored in %s\n", tokens.Path())
	return nil
}

// verifyAndSave checks the token against the server and stores it only when
// the server accepted it.
func verifyAndSave(ctx context.Context, apiURL, token string, store *auth.Store) error {
	verifier := client.New(apiURL,
		client.WithTokenSource(client.StaticToken(token)),
		client.WithTimeout(cfg.ClientTimeout),
		client.WithLogger(logger),
	)
	if _, err := verifier.ListSessions(ctx); err != nil {
		if errors.Is(err, client.ErrUnauthorized) {
			return errors.New("token rejected by server")
		}
		return fmt.Errorf("verify token: %w", err)
	}

	if err := store.Save(token); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// readToken prompts without echo on a terminal and reads one line otherwise.
func readToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "API token: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read token from stdin: %w", err)
	}
	return strings.TrimSpace(line), nil
}
