package cmd

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cottagephilosopher/llm-relay/pkg/config"
	"github.com/cottagephilosopher/llm-relay/pkg/store"
)

var (
	keyDBPath       string
	keyExpireInDays int
)

func openKeyStore() (*store.Store, error) {
	st, err := store.Open(keyDBPath)
	if err != nil {
		return nil, fmt.Errorf("open relay db: %w", err)
	}
	return st, nil
}

func init() {
	keyCmd := &cobra.Command{
		Use:   "key",
		Short: "Manage relay API keys",
	}
	keyCmd.PersistentFlags().StringVar(&keyDBPath, "db", config.DefaultDBPath(), "Relay database path")

	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an API key and print it once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openKeyStore()
			if err != nil {
				return err
			}
			defer st.Close()

			var expireAt *time.Time
			if keyExpireInDays > 0 {
				t := time.Now().UTC().AddDate(0, 0, keyExpireInDays)
				expireAt = &t
			}
			key, plaintext, err := st.CreateKey(context.Background(), args[0], expireAt)
			if err != nil {
				return fmt.Errorf("create key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "id: %d\nname: %s\nprefix: %s\n", key.ID, key.Name, key.Prefix)
			if key.ExpireAt != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "expires: %s\n", key.ExpireAt.Format(time.RFC3339))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n\nStore this key now; it cannot be shown again.\n", plaintext)
			return nil
		},
	}
	createCmd.Flags().IntVar(&keyExpireInDays, "expire-in-days", 0, "Expire the key after this many days (0 = never)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openKeyStore()
			if err != nil {
				return err
			}
			defer st.Close()

			keys, err := st.ListKeys(context.Background())
			if err != nil {
				return fmt.Errorf("list keys: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tSTATUS\tCREATED\tEXPIRES")
			for _, k := range keys {
				expires := "-"
				if k.ExpireAt != nil {
					expires = k.ExpireAt.Format("2006-01-02")
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", k.ID, k.Name, k.Prefix, k.Status, k.CreatedAt.Format("2006-01-02"), expires)
			}
			return tw.Flush()
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid key id %q", args[0])
			}
			st, err := openKeyStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.RevokeKey(context.Background(), id); err != nil {
				return fmt.Errorf("revoke key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked key %d\n", id)
			return nil
		},
	}

	keyCmd.AddCommand(createCmd, listCmd, revokeCmd)
	rootCmd.AddCommand(keyCmd)
}
