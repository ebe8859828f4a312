package main

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/go-dnvme"
	"github.com/ehrlich-b/go-dnvme/nvme"
)

const ioQueueID = 1

func newIOCmd() *cobra.Command {
	var (
		nsid    uint32
		slba    uint64
		blocks  uint32
		discard bool
	)
	cmd := &cobra.Command{
		Use:   "io",
		Short: "Write random data, read it back and compare it on one I/O queue pair",
		Long: `Creates I/O queue pair 1, then writes random data to blocks starting at
--slba, reads it back, verifies it with Compare and finally flushes. With
--discard the range is deallocated with Dataset Management afterwards.
This overwrites data on the namespace.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if blocks == 0 {
				return fmt.Errorf("--blocks must be at least 1")
			}
			return withSession(cmd.Context(), func(s *session) error {
				ctx := cmd.Context()
				buf := make([]byte, nvme.IdentifyDataSize)
				cid, err := s.dev.IdentifyNamespace(nsid, buf)
				if _, err := s.admin(ctx, cid, err); err != nil {
					return err
				}
				ns, err := nvme.DecodeIdentifyNamespace(buf)
				if err != nil {
					return err
				}
				size := int(blocks) * ns.BlockSize()

				if err := s.ioQueuePair(ctx, ioQueueID, dnvme.DefaultIOQueueElements); err != nil {
					return err
				}
				run := func(what string, cid uint16, err error) error {
					if err != nil {
						return fmt.Errorf("%s: %w", what, err)
					}
					if _, err := s.await(ctx, ioQueueID, cid); err != nil {
						return fmt.Errorf("%s: %w", what, err)
					}
					return nil
				}

				data := make([]byte, size)
				if _, err := rand.Read(data); err != nil {
					return err
				}
				cid, err = s.dev.Write(ioQueueID, nsid, slba, blocks, data)
				if err := run("write", cid, err); err != nil {
					return err
				}

				got := make([]byte, size)
				cid, err = s.dev.Read(ioQueueID, nsid, slba, blocks, got)
				if err := run("read", cid, err); err != nil {
					return err
				}
				if !bytes.Equal(data, got) {
					return fmt.Errorf("read back data differs from written data")
				}

				cid, err = s.dev.Compare(ioQueueID, nsid, slba, blocks, data)
				if err := run("compare", cid, err); err != nil {
					return err
				}
				cid, err = s.dev.Flush(ioQueueID, nsid)
				if err := run("flush", cid, err); err != nil {
					return err
				}

				if discard {
					ranges := []nvme.DSMRange{{SLBA: slba, Blocks: blocks}}
					rbuf := make([]byte, nvme.DSMRangeSize)
					cid, err = s.dev.DatasetManagement(ioQueueID, nsid, nvme.DatasetManagement{Ranges: 1, Deallocate: true}, ranges, rbuf)
					if err := run("deallocate", cid, err); err != nil {
						return err
					}
				}

				snap := s.dev.MetricsSnapshot()
				fmt.Fprintf(cmd.OutOrStdout(), "verified %d blocks (%s) at lba %d; %d I/O commands, %s moved\n",
					blocks, formatSize(int64(size)), slba, snap.IOCommands, formatSize(int64(snap.IOBytes)))
				return nil
			})
		},
	}
	cmd.Flags().Uint32VarP(&nsid, "namespace", "n", 1, "namespace id")
	cmd.Flags().Uint64Var(&slba, "slba", 0, "starting lba")
	cmd.Flags().Uint32Var(&blocks, "blocks", 8, "number of blocks")
	cmd.Flags().BoolVar(&discard, "discard", false, "deallocate the range afterwards")
	return cmd
}
