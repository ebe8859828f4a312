package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/go-dnvme"
	"github.com/ehrlich-b/go-dnvme/nvme"
)

func newQueueCmd() *cobra.Command {
	var (
		count    uint16
		elements uint32
		keep     bool
	)
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Create I/O queue pairs, list them and delete them again",
		Long: `Creates count I/O completion/submission queue pairs (ids 1..count),
prints the queue table and, unless --keep is given, deletes every queue in
reverse order. Queues do not outlive the command: the next invocation
bootstraps the controller again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count == 0 || count == 0xFFFF {
				return fmt.Errorf("--count must be between 1 and 65534")
			}
			return withSession(cmd.Context(), func(s *session) error {
				ctx := cmd.Context()
				for id := uint16(1); id <= count; id++ {
					if err := s.ioQueuePair(ctx, id, elements); err != nil {
						return err
					}
				}
				printQueues(cmd.OutOrStdout(), s.dev.Queues())
				if keep {
					return nil
				}

				for id := count; id >= 1; id-- {
					cid, err := s.dev.DeleteIOSubmissionQueue(id)
					if _, err := s.admin(ctx, cid, err); err != nil {
						return fmt.Errorf("delete SQ %d: %w", id, err)
					}
					cid, err = s.dev.DeleteIOCompletionQueue(id)
					if _, err := s.admin(ctx, cid, err); err != nil {
						return fmt.Errorf("delete CQ %d: %w", id, err)
					}
				}
				printQueues(cmd.OutOrStdout(), s.dev.Queues())
				return nil
			})
		},
	}
	cmd.Flags().Uint16Var(&count, "count", 1, "queue pairs to create")
	cmd.Flags().Uint32Var(&elements, "elements", dnvme.DefaultIOQueueElements, "elements per queue")
	cmd.Flags().BoolVar(&keep, "keep", false, "do not delete the queues before exiting")
	return cmd
}

func printQueues(out io.Writer, queues []dnvme.QueueInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tID\tCQID\tELEMENTS\tSTATE")
	for _, q := range queues {
		cqid := "-"
		if q.Desc.Kind == nvme.SubmissionQueue {
			cqid = fmt.Sprint(q.Desc.CQID)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\n", q.Desc.Kind, q.Desc.ID, cqid, q.Desc.Elements, q.State)
	}
	w.Flush()
}
