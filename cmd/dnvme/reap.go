package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/go-dnvme/nvme"
)

func newReapCmd() *cobra.Command {
	var keepAlives int
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Send Keep Alive commands and reap their completions from the admin CQ",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(s *session) error {
				for i := 0; i < keepAlives; i++ {
					if _, err := s.dev.KeepAlive(); err != nil {
						return err
					}
				}

				ctx, cancel := context.WithTimeout(cmd.Context(), s.timeout)
				defer cancel()
				if keepAlives > 0 {
					if _, err := s.dev.WaitForCompletions(ctx, nvme.AdminQueueID); err != nil {
						return err
					}
				}

				remaining, isr, err := s.dev.Inquire(nvme.AdminQueueID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "admin CQ: %d waiting, isr count %d\n", remaining, isr)

				entries, err := s.dev.ReapAll(nvme.AdminQueueID)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "CID\tSQID\tSQHD\tP\tDW0\tSTATUS")
				for _, c := range entries {
					phase := 0
					if c.Phase() {
						phase = 1
					}
					fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%#08x\t%s\n", c.CID, c.SQID, c.SQHead, phase, c.DW0,
						nvme.StatusString(c.StatusCodeType(), c.StatusCode()))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&keepAlives, "keep-alive", 1, "Keep Alive commands to send first")
	return cmd
}
