package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/markpippins/throttler/pkg/client"
	"github.com/markpippins/throttler/pkg/models"
	"github.com/markpippins/throttler/pkg/protocol"
	"github.com/markpippins/throttler/pkg/tree"
)

// ─── Browsing ───────────────────────────────────────────────────────────────

func (c *cli) lsCmd() *cobra.Command {
	var opts client.ListOptions
	var long bool

	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := "/"
			if len(args) == 1 {
				p = remotePath(args[0])
			}
			resp, err := c.client.List(cmd.Context(), p, opts)
			if err != nil {
				return err
			}
			printEntries(cmd.OutOrStdout(), resp.Entries, long)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&opts.Hidden, "all", "a", false, "include hidden entries")
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show mode, size and modification time")
	cmd.Flags().StringVar(&opts.Sort, "sort", "name", "sort by name, size, mtime or type")
	cmd.Flags().BoolVarP(&opts.Desc, "reverse", "r", false, "reverse the sort order")
	return cmd
}

func (c *cli) treeCmd() *cobra.Command {
	var depth int
	var hidden, sizes, flat bool

	cmd := &cobra.Command{
		Use:   "tree [path]",
		Short: "Show a directory tree",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := "/"
			if len(args) == 1 {
				p = remotePath(args[0])
			}
			root, err := c.client.Tree(cmd.Context(), p, depth, hidden)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if flat {
				printFlat(out, root, sizes)
			} else if err := tree.Render(out, root, sizes); err != nil {
				return err
			}
			s := tree.Count(root)
			fmt.Fprintf(out, "\n%d directories, %d files, %s\n", s.Dirs, s.Files, humanize.IBytes(uint64(s.Bytes)))
			return nil
		},
	}
	cmd.Flags().IntVarP(&depth, "depth", "d", 3, "levels to descend")
	cmd.Flags().BoolVarP(&hidden, "all", "a", false, "include hidden entries")
	cmd.Flags().BoolVarP(&sizes, "sizes", "s", false, "print file sizes")
	cmd.Flags().BoolVar(&flat, "flat", false, "print one sorted path per line")
	return cmd
}

// printFlat prints every node below root by full path.
func printFlat(w io.Writer, root *models.FileNode, sizes bool) {
	nodes := tree.Flatten(root)
	for _, p := range slices.Sorted(maps.Keys(nodes)) {
		n := nodes[p]
		switch {
		case n == root:
			continue
		case n.IsDir():
			p += "/"
		case sizes:
			p += "\t" + humanize.IBytes(uint64(n.Size))
		}
		fmt.Fprintln(w, p)
	}
}

func (c *cli) statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Show details about a file or directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.client.Stat(cmd.Context(), remotePath(args[0]))
			if err != nil {
				return err
			}
			printEntry(cmd.OutOrStdout(), e)
			return nil
		},
	}
}

func (c *cli) findCmd() *cobra.Command {
	var opts client.SearchOptions

	cmd := &cobra.Command{
		Use:   "find <pattern>",
		Short: "Find entries by name",
		Long: `Find entries whose name contains <pattern> (case-insensitive).
Patterns with *, ? or [ are matched as globs against the whole name.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Query = args[0]
			resp, err := c.client.Search(cmd.Context(), opts)
			if err != nil {
				return err
			}
			for _, e := range resp.Results {
				fmt.Fprintln(cmd.OutOrStdout(), e.Path)
			}
			if resp.Truncated {
				fmt.Fprintf(cmd.ErrOrStderr(), "results truncated after %d matches\n", len(resp.Results))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Path, "path", "/", "directory to search below")
	cmd.Flags().StringVarP(&opts.Type, "type", "t", "", "restrict to file or directory")
	cmd.Flags().BoolVarP(&opts.Hidden, "all", "a", false, "include hidden entries")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of results")
	cmd.Flags().IntVar(&opts.Depth, "depth", 0, "maximum depth (0 = unlimited)")
	return cmd
}

func (c *cli) dfCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "df",
		Short: "Show disk usage of the server volume",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			du, err := c.client.DiskUsage(cmd.Context())
			if err != nil {
				return err
			}
			pct := 0.0
			if du.Total > 0 {
				pct = float64(du.Used) / float64(du.Total) * 100
			}
			t := newTable()
			t.AddRow("SIZE", "USED", "FREE", "USE%")
			t.AddRow(humanize.IBytes(du.Total), humanize.IBytes(du.Used), humanize.IBytes(du.Free), fmt.Sprintf("%.0f%%", pct))
			fmt.Fprintln(cmd.OutOrStdout(), t)
			return nil
		},
	}
}

// ─── Content ────────────────────────────────────────────────────────────────

func (c *cli) catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>...",
		Short: "Print file contents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, a := range args {
				body, _, err := c.client.Download(cmd.Context(), remotePath(a), 0, 0)
				if err != nil {
					return err
				}
				_, err = io.Copy(cmd.OutOrStdout(), body)
				body.Close()
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote> [local]",
		Short: "Download a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := remotePath(args[0])
			local := path.Base(remote)
			if len(args) == 2 {
				local = args[1]
				if fi, err := os.Stat(local); err == nil && fi.IsDir() {
					local = filepath.Join(local, path.Base(remote))
				}
			}

			body, _, err := c.client.Download(cmd.Context(), remote, 0, 0)
			if err != nil {
				return err
			}
			defer body.Close()

			tmp, err := os.CreateTemp(filepath.Dir(local), ".throttler-get-*")
			if err != nil {
				return err
			}
			defer os.Remove(tmp.Name())

			n, err := io.Copy(tmp, body)
			if cerr := tmp.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("download %s: %w", remote, err)
			}
			if err := os.Rename(tmp.Name(), local); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%s)\n", remote, local, humanize.IBytes(uint64(n)))
			return nil
		},
	}
}

func (c *cli) putCmd() *cobra.Command {
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "put <local> [remote]",
		Short: "Upload a file",
		Long: `Upload a local file. A remote path ending in "/" (or omitted) names
the directory to upload into.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			local := args[0]
			remote := "/"
			if len(args) == 2 {
				remote = remotePath(args[1])
			}
			if strings.HasSuffix(remote, "/") {
				remote = path.Join(remote, filepath.Base(local))
			}

			f, err := os.Open(local)
			if err != nil {
				return err
			}
			defer f.Close()
			fi, err := f.Stat()
			if err != nil {
				return err
			}
			if fi.IsDir() {
				return fmt.Errorf("%s is a directory", local)
			}

			e, err := c.client.Upload(cmd.Context(), remote, f, fi.Size(), overwrite)
			if err != nil {
				if client.IsConflict(err) && !overwrite {
					return fmt.Errorf("%w; use --overwrite to replace it", err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%s)\n", local, e.Path, humanize.IBytes(uint64(e.Size)))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&overwrite, "overwrite", "f", false, "replace an existing file")
	return cmd
}

// ─── Changes ────────────────────────────────────────────────────────────────

func (c *cli) mkdirCmd() *cobra.Command {
	var parents bool

	cmd := &cobra.Command{
		Use:   "mkdir <path>...",
		Short: "Create directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, a := range args {
				if _, err := c.client.Mkdir(cmd.Context(), remotePath(a), parents); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&parents, "parents", "p", false, "create missing parents; no error if the directory exists")
	return cmd
}

func (c *cli) touchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "touch <path>...",
		Short: "Create empty files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, a := range args {
				if _, err := c.client.Touch(cmd.Context(), remotePath(a)); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func (c *cli) rmCmd() *cobra.Command {
	var permanent bool

	cmd := &cobra.Command{
		Use:   "rm <path>...",
		Short: "Delete files or directories (to the trash when enabled)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				resp, err := c.client.Delete(cmd.Context(), remotePath(args[0]), permanent)
				if err != nil {
					return err
				}
				if resp.Trashed {
					fmt.Fprintf(out, "%s moved to trash (id %s)\n", resp.Path, resp.TrashID)
				} else {
					fmt.Fprintf(out, "%s deleted\n", resp.Path)
				}
				return nil
			}

			paths := make([]string, len(args))
			for i, a := range args {
				paths[i] = remotePath(a)
			}
			resp, err := c.client.BulkDelete(cmd.Context(), paths, permanent)
			if err != nil {
				return err
			}
			return reportBulk(cmd, "deleted", resp)
		},
	}
	cmd.Flags().BoolVar(&permanent, "permanent", false, "bypass the trash")
	return cmd
}

func (c *cli) mvCmd() *cobra.Command {
	return c.transferCmd("mv", "Move or rename files and directories", (*client.Client).Move, (*client.Client).BulkMove)
}

func (c *cli) cpCmd() *cobra.Command {
	return c.transferCmd("cp", "Copy files and directories", (*client.Client).Copy, (*client.Client).BulkCopy)
}

// The client is built in PersistentPreRunE, so transfers are bound late.
type (
	singleTransfer func(c *client.Client, ctx context.Context, from, to, onConflict string) (*models.Entry, error)
	bulkTransfer   func(c *client.Client, ctx context.Context, paths []string, dest, onConflict string) (*protocol.BulkResponse, error)
)

// transferCmd builds mv and cp. With several sources the destination must be
// an existing directory.
func (c *cli) transferCmd(name, short string, one singleTransfer, many bulkTransfer) *cobra.Command {
	var onConflict string
	past := map[string]string{"mv": "moved", "cp": "copied"}[name]

	cmd := &cobra.Command{
		Use:   name + " <source>... <destination>",
		Short: short,
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest := remotePath(args[len(args)-1])
			sources := args[:len(args)-1]

			if len(sources) == 1 {
				e, err := one(c.client, cmd.Context(), remotePath(sources[0]), dest, onConflict)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", remotePath(sources[0]), e.Path)
				return nil
			}

			paths := make([]string, len(sources))
			for i, s := range sources {
				paths[i] = remotePath(s)
			}
			resp, err := many(c.client, cmd.Context(), paths, dest, onConflict)
			if err != nil {
				return err
			}
			return reportBulk(cmd, past, resp)
		},
	}
	cmd.Flags().StringVar(&onConflict, "on-conflict", protocol.OnConflictFail, "fail, overwrite or rename when the destination exists")
	return cmd
}

func (c *cli) renameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <path> <new-name>",
		Short: "Rename a file or directory in place",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.client.Rename(cmd.Context(), remotePath(args[0]), args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", remotePath(args[0]), e.Path)
			return nil
		},
	}
}

// reportBulk prints per-item failures and returns an error when any failed.
func reportBulk(cmd *cobra.Command, verb string, resp *protocol.BulkResponse) error {
	for _, e := range resp.Errors {
		fmt.Fprintln(cmd.ErrOrStderr(), e)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d, failed %d\n", verb, resp.Succeeded, resp.Failed)
	if resp.Failed > 0 {
		return fmt.Errorf("%d of %d items failed", resp.Failed, resp.Failed+resp.Succeeded)
	}
	return nil
}
