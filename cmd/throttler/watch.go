package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/markpippins/throttler/pkg/protocol"
)

func (c *cli) watchCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "watch [path]",
		Short: "Stream change events until interrupted",
		Long: `Stream change events for everything at or below [path]. The connection
is re-established with backoff if the server drops it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := "/"
			if len(args) == 1 {
				prefix = remotePath(args[0])
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			evs, errs := c.client.Watch(ctx, prefix)
			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)

			var lastErr error
			for {
				select {
				case ev, ok := <-evs:
					if !ok {
						// The stream only ends early on a rejected subscription.
						if ctx.Err() != nil {
							return nil
						}
						if errs != nil {
							if err, ok := <-errs; ok {
								lastErr = err
							}
						}
						return lastErr
					}
					if jsonOut {
						if err := enc.Encode(ev); err != nil {
							return err
						}
						continue
					}
					printEvent(out, ev)
				case err, ok := <-errs:
					if !ok {
						errs = nil
						continue
					}
					lastErr = err
					c.log.Debug("event stream interrupted", zap.Error(err))
				}
			}
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print events as JSON lines")
	return cmd
}

func printEvent(w io.Writer, ev protocol.Event) {
	ts := time.Unix(ev.Timestamp, 0).Local().Format("15:04:05")
	p := ev.Path
	if ev.IsDir {
		p = dirName(p + "/")
	}
	if ev.From != "" {
		p = ev.From + " -> " + p
	}
	fmt.Fprintf(w, "%s %-6s %-5s %s\n", dimText(ts), ev.Type, ev.Source, p)
}
