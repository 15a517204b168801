package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rorycl/BlingNFeTokenServer/client"
	"github.com/rorycl/BlingNFeTokenServer/nfe"
)

// refresh tokens last 30 days
const redisTTL = 30 * 24 * time.Hour

func noClose() error { return nil }

// newStore returns the configured token store and a function releasing
// its connections
func newStore(opts *options) (client.Store, func() error, error) {
	switch opts.store {
	case "memory":
		return client.NewMemoryStore(), noClose, nil
	case "redis":
		rc := redis.NewClient(&redis.Options{Addr: opts.redisAddr})
		return client.NewRedisStore(rc, opts.redisKey, redisTTL), rc.Close, nil
	case "file", "":
		path := opts.statePath
		if path == "" {
			var err error
			if path, err = client.DefaultFilePath(); err != nil {
				return nil, nil, err
			}
		}
		return client.NewFileStore(path), noClose, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", opts.store)
}

// parseCode accepts either a bare code or the url the browser landed
// on after the callback redirect
func parseCode(arg string) (code, state string, err error) {
	u, perr := url.Parse(arg)
	if perr != nil || u.RawQuery == "" {
		return arg, "", nil
	}
	q := u.Query()
	if e := q.Get("error"); e != "" {
		return "", "", fmt.Errorf("authorization failed: %s %s", e, q.Get("details"))
	}
	if q.Get("code") == "" {
		return "", "", errors.New("no code in url")
	}
	return q.Get("code"), q.Get("state"), nil
}

// loadForm reads a yaml invoice form, starting from the form defaults
func loadForm(r io.Reader) (*nfe.Form, error) {
	form := nfe.NewForm()
	form.Produtos = nil
	if err := yaml.NewDecoder(r).Decode(form); err != nil {
		return nil, fmt.Errorf("form decoding error: %w", err)
	}
	if len(form.Produtos) == 0 {
		form.AddProduct()
	}
	return form, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func withClient(opts *options, run func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := newStore(opts)
		if err != nil {
			return err
		}
		defer closeStore()
		c, err := client.New(client.Config{
			BrokerURL: opts.broker,
			ClientID:  opts.clientID,
			Store:     store,
		})
		if err != nil {
			return err
		}
		return run(cmd.Context(), c, cmd, args)
	}
}

func loginCmd(opts *options) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Print the Bling authorization url",
		RunE: withClient(opts, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
			if opts.clientID == "" {
				return errors.New("client id is empty, set --client-id or CLIENT_ID")
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Please go to the url below and log into Bling")
			fmt.Fprintln(out, c.AuthorizationURL(state))
			fmt.Fprintln(out, "")
			fmt.Fprintln(out, "Then run: blingnfe exchange <url you were redirected to>")
			return nil
		}),
	}
	cmd.Flags().StringVar(&state, "state", "", "oauth state")
	return cmd
}

func exchangeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "exchange <code|redirect url>",
		Short: "Exchange an authorization code for tokens",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(opts, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
			code, state, err := parseCode(args[0])
			if err != nil {
				return err
			}
			if err := c.ExchangeCode(ctx, code, state); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged in")
			return nil
		}),
	}
}

func refreshCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the stored tokens",
		RunE: withClient(opts, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
			if err := c.RefreshAccessToken(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "tokens refreshed")
			return nil
		}),
	}
}

func testCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "List invoices to check the connection",
		RunE: withClient(opts, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
			raw, err := c.TestConnection(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		}),
	}
}

func meCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Show the authenticated Bling user",
		RunE: withClient(opts, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
			raw, err := c.UserInfo(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		}),
	}
}

func createCmd(opts *options) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an invoice from a yaml form",
		RunE: withClient(opts, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			form, err := loadForm(r)
			if err != nil {
				return err
			}
			req, err := form.Request()
			if err != nil {
				return err
			}
			resp, err := c.CreateNFe(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		}),
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "yaml form file, - for stdin")
	return cmd
}

func statusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the login status",
		RunE: withClient(opts, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "authenticated: %t\n", c.IsAuthenticated(ctx))
			if t := c.TokenInfo(ctx); t != nil {
				fmt.Fprintf(out, "token type:    %s\n", t.TokenType)
				fmt.Fprintf(out, "scope:         %s\n", t.Scope)
			}
			return nil
		}),
	}
}

func logoutCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored tokens",
		RunE: withClient(opts, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
			if err := c.Logout(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		}),
	}
}
