// blingnfe is a command line client for the Bling NFe token server. It
// keeps the user's tokens in a local file or in redis and creates
// invoices from yaml forms.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// options are the flags shared by every command
type options struct {
	broker    string
	clientID  string
	store     string
	statePath string
	redisAddr string
	redisKey  string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "blingnfe",
		Short:         "Bling NFe client using the token server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.broker, "broker", envOr("BLING_BROKER_URL", "http://localhost:3001"), "token server url")
	pf.StringVar(&opts.clientID, "client-id", os.Getenv("CLIENT_ID"), "Bling app client id")
	pf.StringVar(&opts.store, "store", "file", "token store (file, redis or memory)")
	pf.StringVar(&opts.statePath, "state-file", "", "token file for the file store")
	pf.StringVar(&opts.redisAddr, "redis-addr", "localhost:6379", "redis address for the redis store")
	pf.StringVar(&opts.redisKey, "redis-prefix", "blingnfe", "redis key prefix")

	root.AddCommand(
		loginCmd(opts),
		exchangeCmd(opts),
		refreshCmd(opts),
		testCmd(opts),
		meCmd(opts),
		createCmd(opts),
		statusCmd(opts),
		logoutCmd(opts),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
