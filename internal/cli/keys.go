package cli

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/hordetrack/internal/apikey"
	"github.com/kiranshivaraju/hordetrack/internal/store"
)

func newKeysCmd(st *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys for the job routes",
	}
	cmd.AddCommand(newKeysCreateCmd(st), newKeysListCmd(st), newKeysRevokeCmd(st))
	return cmd
}

func newKeysCreateCmd(st *state) *cobra.Command {
	var scopes []string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an API key and print it once",
		Long: `Create an API key. The raw key is printed once and cannot be recovered later.

Examples:
  hordectl keys create ci-runner
  hordectl keys create ops --scope jobs --scope admin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range scopes {
				if s != apikey.ScopeJobs && s != apikey.ScopeAdmin {
					return fmt.Errorf("unknown scope %q (want %s or %s)", s, apikey.ScopeJobs, apikey.ScopeAdmin)
				}
			}
			b, err := st.connect(cmd.Context())
			if err != nil {
				return err
			}
			issued, err := apikey.Issue(cmd.Context(), b.Store, args[0], scopes)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created key %s (%s) scopes=%s\n", issued.Key.ID, issued.Key.Name,
				strings.Join(issued.Key.Scopes, ","))
			fmt.Fprintf(out, "%s\n", issued.RawKey)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scopes to grant (jobs, admin)")
	return cmd
}

func newKeysListCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := st.connect(cmd.Context())
			if err != nil {
				return err
			}
			keys, err := b.Store.ListAPIKeys(cmd.Context())
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No API keys.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPREFIX\tSCOPES\tLAST USED")
			for _, k := range keys {
				lastUsed := "never"
				if k.LastUsedAt != nil {
					lastUsed = k.LastUsedAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", k.ID, k.Name, k.KeyPrefix, strings.Join(k.Scopes, ","), lastUsed)
			}
			return w.Flush()
		},
	}
}

func newKeysRevokeCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid key id %q: %w", args[0], err)
			}
			b, err := st.connect(cmd.Context())
			if err != nil {
				return err
			}
			if err := b.Store.RevokeAPIKey(cmd.Context(), id); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("api key not found: %s", id)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked key %s\n", id)
			return nil
		},
	}
}
