package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"voicelink/credential"
	"voicelink/securestore"
)

func newCredsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "creds",
		Short: "Manage saved credentials",
	}

	var showSecrets bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List saved credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, creds, err := openCreds(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer store.Close()
			return printCreds(cmd.OutOrStdout(), creds.List(), showSecrets)
		},
	}
	list.Flags().BoolVar(&showSecrets, "show-secrets", false, "print secrets in full")

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a saved credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, creds, err := openCreds(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer store.Close()
			if _, ok := creds.Find(args[0]); !ok {
				return fmt.Errorf("no saved credential with id %q", args[0])
			}
			if err := creds.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, rm)
	return cmd
}

func openCreds(ctx context.Context, flags *rootFlags) (*securestore.Store, *credential.Store, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, nil, err
	}
	path := cfg.StorePath
	if path == "" {
		if path, err = securestore.DefaultPath(); err != nil {
			return nil, nil, err
		}
	}
	store, err := securestore.Open(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	creds := credential.NewStore(store)
	if _, err := creds.Load(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, creds, nil
}

func printCreds(w io.Writer, creds []credential.Credential, showSecrets bool) error {
	if len(creds) == 0 {
		_, err := fmt.Fprintln(w, "no saved credentials")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENDPOINT\tSECRET")
	for _, c := range creds {
		secret := c.Secret
		if !showSecrets {
			secret = maskSecret(secret)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, c.Endpoint, secret)
	}
	return tw.Flush()
}

func maskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
