package main

import (
	"encoding/json"
	"fmt"
	"path"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/dataharness/pkg/dataclient"
	"github.com/polisai/dataharness/pkg/domain"
	"github.com/polisai/dataharness/pkg/fixtures"
	"github.com/polisai/dataharness/pkg/token"
)

func newTokenCmd(opts *globalOptions) *cobra.Command {
	var (
		local  bool
		decode bool
	)

	cmd := &cobra.Command{
		Use:   "token [USER_DN]",
		Short: "Obtain a token for a configured user",
		Long: `Requests a token from the authentication service, or signs one with the
harness key material when --local is set. Without an argument the first
configured user is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			userDN := a.cfg.DefaultUserDN()
			if len(args) == 1 {
				userDN = args[0]
			}
			if userDN == "" {
				return fmt.Errorf("%w: no user given and none configured", domain.ErrConfigInvalid)
			}

			h, err := a.harness()
			if err != nil {
				return err
			}
			m, err := h.Material()
			if err != nil {
				return err
			}

			var tok string
			if local {
				tok, err = signLocal(m, a.cfg.JWT.Users, userDN, a.cfg.JWT.TokenExpiry)
			} else {
				tok, err = token.NewClient(a.cfg.JWTURL(), m.APIKey,
					token.WithTokenPath(a.cfg.JWT.TokenPath),
					token.WithAPIKeyHeader(a.cfg.JWT.APIKeyHeader),
					token.WithLogger(a.logger),
				).Fetch(cmd.Context(), userDN)
			}
			if err != nil {
				return err
			}

			if !decode {
				fmt.Fprintln(cmd.OutOrStdout(), tok)
				return nil
			}
			verifier, err := token.VerifierFromMaterial(m)
			if err != nil {
				return err
			}
			claims, err := verifier.Verify(tok)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(claims)
		}),
	}
	cmd.Flags().BoolVar(&local, "local", false, "Sign the token locally instead of asking the service")
	cmd.Flags().BoolVar(&decode, "decode", false, "Verify the token and print its claims")
	return cmd
}

func signLocal(m *fixtures.Material, users []domain.Identity, userDN string, ttl time.Duration) (string, error) {
	id, ok := fixtures.FindUser(users, userDN)
	if !ok {
		return "", fmt.Errorf("%w: unknown user %q", domain.ErrConfigInvalid, userDN)
	}
	signer, err := token.NewSigner(m, token.DefaultIssuer)
	if err != nil {
		return "", err
	}
	return signer.Sign(id, ttl)
}

// dataOptions selects the identity presented to the data service.
type dataOptions struct {
	user   string
	bearer bool
}

func (d *dataOptions) client(cmd *cobra.Command, a *app) (*dataclient.Client, error) {
	userDN := d.user
	if userDN == "" {
		userDN = a.cfg.DefaultUserDN()
	}
	opts := []dataclient.Option{dataclient.WithLogger(a.logger)}

	if !d.bearer {
		return dataclient.New(a.cfg.DataURL(), append(opts, dataclient.WithUserDN(userDN))...), nil
	}

	h, err := a.harness()
	if err != nil {
		return nil, err
	}
	m, err := h.Material()
	if err != nil {
		return nil, err
	}
	tok, err := token.NewClient(a.cfg.JWTURL(), m.APIKey,
		token.WithTokenPath(a.cfg.JWT.TokenPath),
		token.WithAPIKeyHeader(a.cfg.JWT.APIKeyHeader),
		token.WithLogger(a.logger),
	).Fetch(cmd.Context(), userDN)
	if err != nil {
		return nil, err
	}
	return dataclient.New(a.cfg.DataURL(), append(opts, dataclient.WithBearerToken(tok))...), nil
}

func newDataCmd(opts *globalOptions) *cobra.Command {
	d := &dataOptions{}

	cmd := &cobra.Command{
		Use:   "data",
		Short: "Work with objects in the data service",
	}
	cmd.PersistentFlags().StringVarP(&d.user, "user", "u", "", "User DN to act as (default: first configured user)")
	cmd.PersistentFlags().BoolVar(&d.bearer, "bearer", false, "Present a token from the authentication service instead of the USER_DN header")

	cmd.AddCommand(
		newDataSelfCmd(opts, d),
		newDataListCmd(opts, d),
		newDataMkdirCmd(opts, d),
		newDataPutCmd(opts, d),
		newDataAppendCmd(opts, d),
		newDataGetCmd(opts, d),
	)
	return cmd
}

func newDataSelfCmd(opts *globalOptions, d *dataOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "self",
		Short: "Show the identity the data service sees",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, _ []string, a *app) error {
			c, err := d.client(cmd, a)
			if err != nil {
				return err
			}
			info, err := c.Self(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}),
	}
}

func newDataListCmd(opts *globalOptions, d *dataOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [PATH]",
		Short: "List a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			c, err := d.client(cmd, a)
			if err != nil {
				return err
			}
			dir := "/" + a.cfg.Namespace
			if len(args) == 1 {
				dir = args[0]
			}
			oid, err := c.Find(cmd.Context(), dir)
			if err != nil {
				return err
			}
			objects, err := c.List(cmd.Context(), oid)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tOID\tSIZE\tTYPE\tMODIFIED")
			for _, o := range objects {
				name, kind := o.Name, o.MimeType
				if o.IsDir() {
					name, kind = name+"/", "dir"
				}
				modified := "-"
				if o.TStamp > 0 {
					modified = time.Unix(0, o.TStamp).UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", name, o.OID, o.Size, kind, modified)
			}
			return w.Flush()
		}),
	}
}

func newDataMkdirCmd(opts *globalOptions, d *dataOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir PATH",
		Short: "Create a directory and its missing parents",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			c, err := d.client(cmd, a)
			if err != nil {
				return err
			}
			oid, err := c.MkdirAll(cmd.Context(), args[0], dataclient.WriteOptions{})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", dataclient.CleanPath(args[0]), oid)
			return nil
		}),
	}
}

func newDataPutCmd(opts *globalOptions, d *dataOptions) *cobra.Command {
	var mimeType string

	cmd := &cobra.Command{
		Use:   "put LOCAL REMOTE",
		Short: "Upload a file, creating missing directories",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			c, err := d.client(cmd, a)
			if err != nil {
				return err
			}
			obj, err := c.UploadFile(cmd.Context(), args[0], args[1], dataclient.WriteOptions{MimeType: mimeType})
			if err != nil {
				return err
			}
			return printObject(cmd, dataclient.CleanPath(args[1]), obj)
		}),
	}
	cmd.Flags().StringVar(&mimeType, "mime-type", "", "Content type (default: guessed from the file name)")
	return cmd
}

func newDataAppendCmd(opts *globalOptions, d *dataOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "append LOCAL REMOTE_DIR",
		Short: "Upload a file as the next part of a directory",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			c, err := d.client(cmd, a)
			if err != nil {
				return err
			}
			obj, err := c.AppendFile(cmd.Context(), args[0], args[1], dataclient.WriteOptions{})
			if err != nil {
				return err
			}
			return printObject(cmd, path.Join(dataclient.CleanPath(args[1]), obj.Name), obj)
		}),
	}
}

func newDataGetCmd(opts *globalOptions, d *dataOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get REMOTE [LOCAL]",
		Short: "Download a file, to stdout unless LOCAL is given",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			c, err := d.client(cmd, a)
			if err != nil {
				return err
			}
			if len(args) == 2 {
				n, err := c.Download(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				a.logger.Info("Downloaded", "remote", args[0], "local", args[1], "bytes", n)
				return nil
			}
			content, err := c.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(content.Data)
			return err
		}),
	}
}

func printObject(cmd *cobra.Command, remote string, obj *domain.Object) error {
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d\t%s\n", remote, obj.OID, obj.Size, obj.MimeType)
	return err
}
