package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func (c *cli) trashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trash",
		Short: "Inspect and manage deleted items",
	}
	cmd.AddCommand(c.trashListCmd(), c.trashShowCmd(), c.trashRestoreCmd(), c.trashPurgeCmd(), c.trashEmptyCmd())
	return cmd
}

func (c *cli) trashListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List items in the trash",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := c.client.Trash(cmd.Context())
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), dimText("trash is empty"))
				return nil
			}
			t := newTable()
			t.AddRow("ID", "DELETED", "SIZE", "ORIGINAL PATH")
			for _, it := range items {
				name := it.OriginalPath
				if it.IsDir {
					name = dirName(name + "/")
				}
				t.AddRow(it.ID, humanTime(it.DeletedAt), humanize.IBytes(uint64(it.Size)), name)
			}
			fmt.Fprintln(cmd.OutOrStdout(), t)
			return nil
		},
	}
}

func (c *cli) trashShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one trashed item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			it, err := c.client.TrashItem(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			kind := "file"
			if it.IsDir {
				kind = "directory"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "  ID: %s\n", it.ID)
			fmt.Fprintf(out, "Path: %s\n", it.OriginalPath)
			fmt.Fprintf(out, "Type: %s\n", kind)
			fmt.Fprintf(out, "Size: %s (%d bytes)\n", humanize.IBytes(uint64(it.Size)), it.Size)
			fmt.Fprintf(out, "Gone: %s\n", humanTime(it.DeletedAt))
			return nil
		},
	}
}

func (c *cli) trashRestoreCmd() *cobra.Command {
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "restore <id>...",
		Short: "Restore items to their original location",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				it, err := c.client.Restore(cmd.Context(), id, overwrite)
				if err != nil {
					return fmt.Errorf("restore %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", it.OriginalPath)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&overwrite, "overwrite", "f", false, "replace whatever now occupies the original path")
	return cmd
}

func (c *cli) trashPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>...",
		Short: "Permanently delete items from the trash",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				if err := c.client.Purge(cmd.Context(), id); err != nil {
					return fmt.Errorf("purge %s: %w", id, err)
				}
			}
			return nil
		},
	}
}

func (c *cli) trashEmptyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "empty",
		Short: "Permanently delete everything in the trash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := c.client.EmptyTrash(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d items\n", n)
			return nil
		},
	}
}
