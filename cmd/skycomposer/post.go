package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"skycomposer/internal/account"
	"skycomposer/internal/bluesky"
	"skycomposer/internal/domain"
)

// cliUserID is the storage namespace used by the post subcommand.
const cliUserID int64 = 0

var (
	postText       string
	postLink       string
	postIdentifier string
	postPassword   string
)

var postCmd = &cobra.Command{
	Use:   "post",
	Short: "Compose and publish a single post",
	Long: `Publishes one post. With --identifier the command logs in (the app
password comes from --password or BLUESKY_APP_PASSWORD) and remembers the
session; without it the stored session is resumed.

Example:
  skycomposer post --text "New release out" --link https://example.com/release`,
	Args: cobra.NoArgs,
	RunE: runPost,
}

func init() {
	postCmd.Flags().StringVar(&postText, "text", "", "post text")
	postCmd.Flags().StringVar(&postLink, "link", "", "link to attach as a preview card")
	postCmd.Flags().StringVar(&postIdentifier, "identifier", "", "handle or email to log in with")
	postCmd.Flags().StringVar(&postPassword, "password", "", "app password (defaults to $BLUESKY_APP_PASSWORD)")
}

func runPost(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := a.newComposer(ctx, cliUserID)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.SetText(ctx, postText); err != nil {
		return err
	}
	budget, err := c.SetURL(ctx, postLink)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d/%d characters\n", budget.Total, domain.MaxPostLength)

	// Reject locally before any login traffic.
	if err := c.State().Draft.Validate(); err != nil {
		return err
	}

	agent, err := cliAgent(ctx, a)
	if err != nil {
		return err
	}

	receipt, err := c.Submit(ctx, agent)
	if err != nil {
		if bluesky.IsAuthError(err) {
			_ = a.accounts.Logout(ctx, cliUserID)
		}
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Post successful! URL: %s\n", receipt.WebURL)
	return nil
}

func cliAgent(ctx context.Context, a *app) (*bluesky.Agent, error) {
	if postIdentifier != "" {
		password := postPassword
		if password == "" {
			password = os.Getenv("BLUESKY_APP_PASSWORD")
		}
		return a.accounts.Login(ctx, cliUserID, postIdentifier, password)
	}

	agent, err := a.accounts.Resume(ctx, cliUserID)
	if errors.Is(err, account.ErrNoSession) {
		return nil, fmt.Errorf("no stored session, pass --identifier to log in: %w", err)
	}
	return agent, err
}
