package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func metaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meta",
		Short: "Inspect and manage MPTCP meta-connections",
	}

	cmd.AddCommand(metaListCmd())
	cmd.AddCommand(metaShowCmd())
	cmd.AddCommand(metaAddAddressCmd())

	return cmd
}

// --- meta list ---

func metaListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all meta-connections",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var metas []metaView
			if err := apiGet("/v1/meta", &metas); err != nil {
				return fmt.Errorf("list metas: %w", err)
			}

			out, err := formatMetas(metas, outputFormat)
			if err != nil {
				return fmt.Errorf("format metas: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}

// --- meta show ---

func metaShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a meta-connection's requests and subflows",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var detail metaDetailView
			if err := apiGet("/v1/meta/"+args[0], &detail); err != nil {
				return fmt.Errorf("get meta: %w", err)
			}

			out, err := formatMetaDetail(detail, outputFormat)
			if err != nil {
				return fmt.Errorf("format meta: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}

// --- meta add-address ---

func metaAddAddressCmd() *cobra.Command {
	var lowPrio bool

	cmd := &cobra.Command{
		Use:   "add-address <meta-id> <ip>",
		Short: "Register a new local address for a meta-connection",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			body := struct {
				IP      string `json:"ip"`
				LowPrio bool   `json:"low_prio"`
			}{IP: args[1], LowPrio: lowPrio}

			var added localAddressView
			if err := apiPost("/v1/meta/"+args[0]+"/addresses", body, &added); err != nil {
				return fmt.Errorf("add address: %w", err)
			}

			fmt.Printf("Added local address id=%d ip=%s low_prio=%t\n", added.ID, added.IP, added.LowPrio)
			return nil
		},
	}

	cmd.Flags().BoolVar(&lowPrio, "low-prio", false, "advertise this address as MP_BACKUP")

	return cmd
}
