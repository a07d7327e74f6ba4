package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsdash/splitmanager/internal/model"
	"github.com/opsdash/splitmanager/internal/poller"
)

// errSplitFailed is returned by watch when the file ends in the failed status
var errSplitFailed = errors.New("split failed")

func (c *cli) pollFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("interval", poller.DefaultInterval, "delay between status polls")
	cmd.Flags().Duration("max-duration", 0, "give up after this long (0 = until the file settles)")
}

func (c *cli) watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [fileId]",
		Short: "Poll the status of a file until processing settles",
		Long: `watch polls the status endpoint until the file reaches paused, in-review,
completed or failed. A file that has no status record yet is reported as pending
and polled again. Interrupting the command cancels the poll.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.watch(cmd, args[0])
		},
	}
	c.pollFlags(cmd)
	return cmd
}

func (c *cli) watch(cmd *cobra.Command, fileID string) error {
	interval, _ := cmd.Flags().GetDuration("interval")
	maxDuration, _ := cmd.Flags().GetDuration("max-duration")
	out := cmd.OutOrStdout()

	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	p := poller.New(c.apiClient().FetchStatus, poller.Callbacks[model.SplitPreview]{
		OnPending: func(id string, r poller.Result[model.SplitPreview]) {
			printProgress(out, r)
		},
		OnReady: func(id string, r poller.Result[model.SplitPreview]) {
			printProgress(out, r)
			fmt.Fprintf(out, "    %d rows, columns: %v\n", r.Payload.RowCount, r.Payload.Columns)
		},
		OnTerminal: func(id string, r poller.Result[model.SplitPreview]) {
			printProgress(out, r)
			if r.Payload != nil {
				for _, g := range r.Payload.Groups {
					fmt.Fprintf(out, "    %-24s %6d rows\n", g.Key, g.RowCount)
				}
			}
			if r.Status == model.StatusFailed {
				finish(fmt.Errorf("%w: %s", errSplitFailed, r.Message))
				return
			}
			finish(nil)
		},
		OnError: func(id string, err error) {
			finish(err)
		},
	},
		poller.WithInterval(interval),
		poller.WithMaxDuration(maxDuration),
		poller.WithLogger(c.logger.Named("poller")),
	)
	defer p.Close()

	if err := p.Start(fileID); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-cmd.Context().Done():
		p.Cancel()
		fmt.Fprintln(out, "watch cancelled")
		return nil
	}
}

func printProgress(w io.Writer, r poller.Result[model.SplitPreview]) {
	fmt.Fprintf(w, "%s  %-12s %s\n", time.Now().Format("15:04:05"), r.Status, r.Message)
}
