package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/tailvisor/pkg/client"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the daemon connection flags shared by client commands.
type GlobalFlags struct {
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	ClientCert string
	ClientKey  string
	Insecure   bool
	Token      string
	Username   string
	Password   string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	cmd := command{flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(),
		createNewCommand(cmd),
		createListCommand(cmd),
		createLogCommand(cmd),
		createUpdateCommand(cmd),
		createDeleteCommand(cmd),
		createRestartCommand(cmd),
		createKillCommand(cmd),
		createTailCommand(cmd),
		createHashPasswordCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "tailvisor",
		Short: "Supervise shell commands and tail their output over HTTP",
		Long: `Tailvisor runs shell commands as chosen users, keeps a bounded log of
their output, restarts them when autostart is on and streams their output
live over websockets.

Examples:
  tailvisor serve tailvisor.toml
  tailvisor new --command="python app.py" --name=web --autostart
  tailvisor list
  tailvisor tail 3 --history
  tailvisor list --api-url=https://remote:8232/api --ca=/etc/tailvisor/tls/tls_ca.crt`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", client.DefaultBaseURL, "daemon API URL")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().StringVar(&flags.CACert, "ca", "", "CA certificate for an https daemon")
	root.PersistentFlags().StringVar(&flags.ClientCert, "cert", "", "client certificate for a daemon with client_ca")
	root.PersistentFlags().StringVar(&flags.ClientKey, "key", "", "client private key for --cert")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification")
	root.PersistentFlags().StringVar(&flags.Token, "token", os.Getenv("TAILVISOR_TOKEN"), "bearer token (default $TAILVISOR_TOKEN)")
	root.PersistentFlags().StringVar(&flags.Username, "username", "", "basic auth user")
	root.PersistentFlags().StringVar(&flags.Password, "password", os.Getenv("TAILVISOR_PASSWORD"), "basic auth password (default $TAILVISOR_PASSWORD)")
	return root
}
