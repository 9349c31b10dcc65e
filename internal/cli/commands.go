package cli

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"leasebox/internal/payments"
)

func newUploadCmd(opts *options) *cobra.Command {
	var name, contentType string

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file, paying the upload price",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			if name == "" {
				name = filepath.Base(args[0])
			}
			if contentType == "" {
				contentType = mime.TypeByExtension(filepath.Ext(name))
			}

			res, err := c.Upload(cmd.Context(), name, contentType, f)
			if err != nil {
				return err
			}

			printf(cmd, "key:      %s\n", res.Key)
			printf(cmd, "size:     %s\n", humanize.IBytes(uint64(res.Size)))
			printf(cmd, "expires:  %s (%s)\n", res.ExpiresAt.Local().Format(time.RFC1123), humanize.Time(res.ExpiresAt))
			printPayment(cmd, res.Payment)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "name to store the file under (default: file's base name)")
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type (default: guessed from extension)")
	return cmd
}

func newGetCmd(opts *options) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Download a file you own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}

			dl, err := c.Download(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer dl.Body.Close()

			if output == "-" {
				_, err := io.Copy(cmd.OutOrStdout(), dl.Body)
				return err
			}
			if output == "" {
				output = filepath.Base(dl.Filename)
				if output == "" || output == "." || output == string(filepath.Separator) {
					output = "download"
				}
			}

			f, err := os.Create(output)
			if err != nil {
				return err
			}
			n, err := io.Copy(f, dl.Body)
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}

			printf(cmd, "saved %s to %s\n", humanize.IBytes(uint64(n)), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", `output path, "-" for stdout (default: original file name)`)
	return cmd
}

func newListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your active files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}

			list, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			if list.Total == 0 {
				printf(cmd, "no active files\n")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tNAME\tSIZE\tEXPIRES")
			for _, f := range list.Files {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", f.Key, f.OriginalName, humanize.IBytes(uint64(f.Size)), humanize.Time(f.ExpiresAt))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			printf(cmd, "%d file(s)\n", list.Total)
			return nil
		},
	}
}

func newInfoCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "info <key>",
		Short: "Show a file's metadata and lease status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}

			info, err := c.Info(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			status := "active"
			if info.IsExpired {
				status = "expired"
			}
			printf(cmd, "key:          %s\n", info.Key)
			printf(cmd, "name:         %s\n", info.OriginalName)
			printf(cmd, "content type: %s\n", info.ContentType)
			printf(cmd, "size:         %s\n", humanize.IBytes(uint64(info.Size)))
			printf(cmd, "uploaded:     %s\n", info.UploadedAt.Local().Format(time.RFC1123))
			printf(cmd, "expires:      %s (%s)\n", info.ExpiresAt.Local().Format(time.RFC1123), humanize.Time(info.ExpiresAt))
			printf(cmd, "status:       %s\n", status)
			return nil
		},
	}
}

func newDeleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a file you own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}

			res, err := c.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printf(cmd, "deleted %s\n", res.FileKey)
			return nil
		},
	}
}

func newRenewCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "renew <key>",
		Short: "Extend a file's lease, paying the renewal price",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}

			res, err := c.Renew(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printf(cmd, "old expiry: %s\n", res.OldExpires.Local().Format(time.RFC1123))
			printf(cmd, "new expiry: %s (%s)\n", res.NewExpires.Local().Format(time.RFC1123), humanize.Time(res.NewExpires))
			printPayment(cmd, res.Payment)
			return nil
		},
	}
}

func newAddressCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Print the identity derived from your private key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := opts.signer()
			if err != nil {
				return err
			}
			printf(cmd, "%s\n", signer.Address())
			return nil
		},
	}
}

func printPayment(cmd *cobra.Command, s *payments.SettlementResponse) {
	if s == nil {
		return
	}
	printf(cmd, "paid:     tx %s on %s\n", s.Transaction, s.Network)
}
