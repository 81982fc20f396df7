package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/lotdesk/internal/config"
	"github.com/zulandar/lotdesk/internal/db"
	"github.com/zulandar/lotdesk/internal/dialog"
	"github.com/zulandar/lotdesk/internal/models"
	"github.com/zulandar/lotdesk/internal/relay"
)

func newDialogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dialog",
		Short: "Inspect and manage support dialogs",
	}

	cmd.AddCommand(newDialogListCmd())
	cmd.AddCommand(newDialogHistoryCmd())
	cmd.AddCommand(newDialogCloseCmd())
	return cmd
}

func newDialogListCmd() *cobra.Command {
	var (
		configPath string
		status     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dialogs",
		Long:  "Lists dialogs, most recently active first. Output is formatted as a table.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDialogList(cmd, configPath, dialog.ListOpts{Status: status, Limit: limit})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to lotdesk config file")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (open, closed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of dialogs")
	return cmd
}

func runDialogList(cmd *cobra.Command, configPath string, opts dialog.ListOpts) error {
	if opts.Status != "" && opts.Status != models.DialogOpen && opts.Status != models.DialogClosed {
		return fmt.Errorf("invalid status %q (want open or closed)", opts.Status)
	}
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	store, err := dialog.NewStore(gormDB)
	if err != nil {
		return err
	}
	dialogs, err := store.List(cmd.Context(), opts)
	if err != nil {
		return err
	}
	printDialogs(cmd.OutOrStdout(), dialogs)
	return nil
}

func printDialogs(out io.Writer, dialogs []models.Dialog) {
	if len(dialogs) == 0 {
		fmt.Fprintln(out, "No dialogs found.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tNAME\tSTATUS\tTHREAD\tUPDATED")
	for _, d := range dialogs {
		thread := "-"
		if d.HasThread() {
			thread = *d.ThreadID
		}
		name := d.DisplayName
		if d.Handle != "" {
			name += " @" + d.Handle
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			d.ExternalUserID, truncate(name, 40), d.Status, thread, d.UpdatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func newDialogHistoryCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "history <user>",
		Short: "Show a dialog's message history",
		Long:  "Prints the stored messages of a user's dialog, oldest first. History survives dialog closes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDialogHistory(cmd, configPath, args[0], limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to lotdesk config file")
	cmd.Flags().IntVar(&limit, "limit", 0, "show only the latest N messages (0 for all)")
	return cmd
}

func runDialogHistory(cmd *cobra.Command, configPath, userID string, limit int) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	store, err := dialog.NewStore(gormDB)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	d, err := store.FindByExternalID(ctx, userID)
	if err != nil {
		return err
	}
	msgs, err := store.History(ctx, d.ID, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Dialog %s (%s, %s)\n", d.ExternalUserID, d.DisplayName, d.Status)
	if len(msgs) == 0 {
		fmt.Fprintln(out, "No messages.")
		return nil
	}
	for _, m := range msgs {
		fmt.Fprintf(out, "[%s] %s %s\n", m.CreatedAt.Format("2006-01-02 15:04:05"), directionLabel(m.Direction), m.Text)
	}
	return nil
}

func directionLabel(d models.Direction) string {
	if d == models.FromAdmin {
		return "admin:"
	}
	return "user: "
}

func newDialogCloseCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "close <user>",
		Short: "Close a user's dialog",
		Long:  "Deletes the user's support thread and unbinds it, exactly as the close button does. Message history is kept.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDialogClose(cmd.Context(), cmd.OutOrStdout(), configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to lotdesk config file")
	return cmd
}

func runDialogClose(ctx context.Context, out io.Writer, configPath, userID string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	store, err := dialog.NewStore(gormDB)
	if err != nil {
		return err
	}
	b, err := openBackends(ctx, cfg, gormDB)
	if err != nil {
		return err
	}
	defer b.close()
	if cfg.Relay.Lock.Backend == config.LockMemory {
		fmt.Fprintln(out, "Warning: memory lock backend does not coordinate with a running relay")
	}

	platform, _, err := newPlatform(cfg)
	if err != nil {
		return err
	}
	if err := platform.Connect(ctx); err != nil {
		return fmt.Errorf("connect platform: %w", err)
	}
	defer platform.Close()

	topics, err := relay.NewTopicManager(relay.TopicManagerOpts{
		Store:      store,
		Cache:      b.cache,
		Gate:       b.gate,
		Platform:   platform,
		AdminGroup: cfg.Relay.AdminGroup,
		TopicTTL:   cfg.Relay.TopicTTL(),
		Lease:      cfg.Relay.Lock.Lease(),
		Wait:       cfg.Relay.Lock.Wait(),
	})
	if err != nil {
		return err
	}
	if err := topics.Close(ctx, userID); err != nil {
		return err
	}
	fmt.Fprintf(out, "Dialog %s closed\n", userID)
	return nil
}

// truncate returns s truncated to maxLen runes with "..." appended if needed.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
