package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/sessiongate/internal/errors"
	"github.com/alexjbarnes/sessiongate/internal/login"
	"github.com/alexjbarnes/sessiongate/internal/models"
	"github.com/alexjbarnes/sessiongate/internal/transport"
	"github.com/spf13/cobra"
)

// cli owns the app for one invocation. The app is loaded before any
// subcommand runs; close releases it whatever the command returned.
type cli struct {
	load appLoader
	app  *app
}

func (c *cli) current() *app { return c.app }

func (c *cli) close() error {
	if c.app == nil {
		return nil
	}

	err := c.app.Close()
	c.app = nil

	return err
}

// execute runs root and then releases the app. A failure to release the
// session database is reported alongside the command's own error.
func (c *cli) execute(ctx context.Context, root *cobra.Command) (err error) {
	defer func() {
		if cerr := c.close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("closing session database: %w", cerr))
		}
	}()

	return root.ExecuteContext(ctx)
}

// rootCmd builds the command tree.
func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sessiongate",
		Short:         "Log in to the identity backend and manage the local session",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := c.load()
			if err != nil {
				return err
			}

			c.app = loaded

			return nil
		},
	}

	root.AddCommand(
		newLoginCmd(c.current),
		newSendCodeCmd(c.current),
		newCallbackCmd(c.current),
		newExchangeCmd(c.current),
		newHandoffCmd(c.current),
		newLogoutCmd(c.current),
		newRegisterCmd(c.current),
		newStatusCmd(c.current),
		newWhoamiCmd(c.current),
		newUpdateProfileCmd(c.current),
		newNavigateCmd(c.current),
	)

	return root
}

// readSecret returns value, or reads a line from stdin when value is "-".
func readSecret(in io.Reader, value string) (string, error) {
	if value != "-" {
		return value, nil
	}

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}

		return "", errors.New("no input on stdin")
	}

	return strings.TrimRight(scanner.Text(), "\r\n"), nil
}

// describe turns a login error into something to show the user, keeping
// the backend's own message when it sent one.
func describe(err error) error {
	if msg := transport.Message(err); msg != "" {
		return fmt.Errorf("%s: %w", msg, err)
	}

	return err
}

// loggedIn prints the new session and lands on the home route.
func loggedIn(cmd *cobra.Command, a *app, outcome *models.LoginOutcome) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Logged in as %s\n", outcome.Profile.DisplayName())

	landed, err := a.router.Push(a.cfg.HomeRoute)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Route: %s\n", landed)

	return nil
}

func newLoginCmd(current func() *app) *cobra.Command {
	var email, password, code, credential string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Start a session with a password, an emailed code, or a provider credential",
		Long: `Start a session. Exactly one of --password, --code or --credential is
required. Pass "-" as the password to read it from stdin.

Examples:
  sessiongate login --email ann@example.com --password -
  sessiongate login --email ann@example.com --code 123456
  sessiongate login --credential eyJhbGciOi...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()

			var strategy login.Strategy

			switch {
			case password != "":
				secret, err := readSecret(cmd.InOrStdin(), password)
				if err != nil {
					return err
				}

				strategy = login.Password{Email: email, Password: secret}
			case code != "":
				strategy = login.EmailCode{Email: email, Code: code}
			case credential != "":
				strategy = login.OAuthCredential{Credential: credential}
			default:
				return errors.New("one of --password, --code or --credential is required")
			}

			outcome, err := a.manager.Login(cmd.Context(), strategy)
			if err != nil {
				return describe(err)
			}

			return loggedIn(cmd, a, outcome)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", `password, or "-" to read from stdin`)
	cmd.Flags().StringVar(&code, "code", "", "code sent by send-code")
	cmd.Flags().StringVar(&credential, "credential", "", "identity provider credential")
	cmd.MarkFlagsMutuallyExclusive("password", "code", "credential")

	return cmd
}

func newSendCodeCmd(current func() *app) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "send-code",
		Short: "Email a one-time login code",
		RunE: func(cmd *cobra.Command, args []string) error {
			sent, err := current().manager.SendEmailCode(cmd.Context(), email)
			if err != nil {
				return describe(err)
			}

			if !sent {
				fmt.Fprintln(cmd.OutOrStdout(), "The server did not send a code.")
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Code sent to %s\n", email)

			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func newCallbackCmd(current func() *app) *cobra.Command {
	var code, redirectURI string

	cmd := &cobra.Command{
		Use:   "callback",
		Short: "Complete an OAuth provider redirect",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()

			outcome, err := a.manager.Login(cmd.Context(), login.OAuthCallback{Code: code, RedirectURI: redirectURI})
			if err != nil {
				return describe(err)
			}

			return loggedIn(cmd, a, outcome)
		},
	}

	cmd.Flags().StringVar(&code, "code", "", "authorization code from the provider redirect")
	cmd.Flags().StringVar(&redirectURI, "redirect-uri", "", "redirect URI the provider sent the code to")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("redirect-uri")

	return cmd
}

func newExchangeCmd(current func() *app) *cobra.Command {
	var code, client string

	cmd := &cobra.Command{
		Use:   "exchange",
		Short: "Redeem an SSO code handed over by another application",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()

			if client == "" {
				client = a.cfg.OAuthClientID
			}

			outcome, err := a.manager.Login(cmd.Context(), login.CodeExchange{Code: code, ClientID: client})
			if err != nil {
				if errors.Is(err, apperrors.ErrCodeExchange) {
					fmt.Fprintln(cmd.ErrOrStderr(), "SSO codes work once; start the sign-in again from the other application.")
				}

				return describe(err)
			}

			return loggedIn(cmd, a, outcome)
		},
	}

	cmd.Flags().StringVar(&code, "code", "", "one-time SSO code")
	cmd.Flags().StringVar(&client, "client", "", "client id (defaults to SESSIONGATE_OAUTH_CLIENT_ID)")
	_ = cmd.MarkFlagRequired("code")

	return cmd
}

func newHandoffCmd(current func() *app) *cobra.Command {
	var redirectURI string

	cmd := &cobra.Command{
		Use:   "handoff",
		Short: "Get a one-time code that signs you in to another application",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := current().manager.HandoffSSO(cmd.Context(), redirectURI)
			if err != nil {
				return describe(err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), code)

			return nil
		},
	}

	cmd.Flags().StringVar(&redirectURI, "redirect-uri", "", "where the other application expects the code")
	_ = cmd.MarkFlagRequired("redirect-uri")

	return cmd
}

func newLogoutCmd(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session here and on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := current().manager.Logout(cmd.Context()); err != nil {
				// The local session is gone either way.
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")

			return nil
		},
	}
}

func newRegisterCmd(current func() *app) *cobra.Command {
	var req login.RegisterRequest

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		Long: `Create an account. Registration must be enabled with
SESSIONGATE_REGISTRATION_ENABLED. It does not log you in.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd.InOrStdin(), req.Password)
			if err != nil {
				return err
			}

			req.Password = secret

			msg, err := current().manager.Register(cmd.Context(), req)
			if err != nil {
				return describe(err)
			}

			if msg == "" {
				msg = "Registered"
			}

			fmt.Fprintln(cmd.OutOrStdout(), msg)

			return nil
		},
	}

	cmd.Flags().StringVar(&req.Username, "username", "", "user name")
	cmd.Flags().StringVar(&req.Email, "email", "", "account email")
	cmd.Flags().StringVar(&req.Password, "password", "", `password, or "-" to read from stdin`)
	cmd.Flags().StringSliceVar(&req.Roles, "role", nil, "role code (repeatable)")

	return cmd
}

func newStatusCmd(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the local session without contacting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			out := cmd.OutOrStdout()

			snap := a.store.Snapshot()
			if snap.Token == "" {
				fmt.Fprintln(out, "Not logged in.")
				fmt.Fprintln(out, "Use 'sessiongate login' to authenticate.")

				return nil
			}

			fmt.Fprintln(out, "Logged in")
			fmt.Fprintf(out, "User:  %s\n", snap.Profile.DisplayName())
			fmt.Fprintf(out, "Email: %s\n", snap.Profile.Email)

			if exp, ok := a.store.ExpiresAt(); ok {
				fmt.Fprintf(out, "Token expires: %s (%s)\n", exp.Local().Format(time.RFC1123), time.Until(exp).Round(time.Minute))
			}

			return nil
		},
	}
}

func newWhoamiCmd(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Fetch your profile from the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()

			profile, err := a.manager.RefreshProfile(cmd.Context())
			if errors.Is(err, apperrors.ErrSessionInvalidated) {
				return fmt.Errorf("%w; now at %s", err, a.router.Current())
			}

			if err != nil {
				return describe(err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			return enc.Encode(profile)
		},
	}
}

func newUpdateProfileCmd(current func() *app) *cobra.Command {
	var update login.ProfileUpdate

	cmd := &cobra.Command{
		Use:   "update-profile",
		Short: "Edit your profile on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()

			profile, err := a.manager.UpdateProfile(cmd.Context(), update)
			if errors.Is(err, apperrors.ErrSessionInvalidated) {
				return fmt.Errorf("%w; now at %s", err, a.router.Current())
			}

			if err != nil {
				return describe(err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			return enc.Encode(profile)
		},
	}

	cmd.Flags().StringVar(&update.Username, "username", "", "new username")
	cmd.Flags().StringVar(&update.Nickname, "nickname", "", "new nickname")
	cmd.Flags().StringVar(&update.Phone, "phone", "", "new phone number")
	cmd.Flags().StringVar(&update.Avatar, "avatar", "", "new avatar URL")

	return cmd
}

func newNavigateCmd(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "navigate <path>",
		Short: "Show where the route guard sends you for a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			landed, err := current().router.Push(args[0])
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), landed)

			return nil
		},
	}
}
