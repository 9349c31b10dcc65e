// Package cli implements the leasectl command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"leasebox/internal/client"
	"leasebox/internal/identity"
)

// EnvPrivateKey is read when --key is not given.
const EnvPrivateKey = "LEASECTL_PRIVATE_KEY"

const defaultServer = "http://localhost:3000"

type options struct {
	server string
	key    string
}

// NewRootCommand builds the leasectl command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "leasectl",
		Short: "Store, read and renew pay-per-use leased files",
		Long: `leasectl talks to a leasebox server.

Every request is signed with your private key, which is also used to pay
for uploads and renewals when the server asks for payment.

Examples:
  leasectl upload report.pdf
  leasectl list
  leasectl renew 0xabc.../1735732800000-report_pdf`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.server, "server", defaultServer, "leasebox server URL")
	root.PersistentFlags().StringVar(&opts.key, "key", "", "hex private key (default $"+EnvPrivateKey+")")

	root.AddCommand(
		newUploadCmd(opts),
		newGetCmd(opts),
		newListCmd(opts),
		newInfoCmd(opts),
		newDeleteCmd(opts),
		newRenewCmd(opts),
		newAddressCmd(opts),
	)
	return root
}

// Execute runs leasectl with os.Args.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

func (o *options) signer() (*identity.Signer, error) {
	key := o.key
	if key == "" {
		key = os.Getenv(EnvPrivateKey)
	}
	if key == "" {
		return nil, errors.New("no private key: pass --key or set " + EnvPrivateKey)
	}
	return identity.NewSigner(strings.TrimSpace(key))
}

func (o *options) client() (*client.Client, error) {
	signer, err := o.signer()
	if err != nil {
		return nil, err
	}
	return client.New(o.server, signer), nil
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
