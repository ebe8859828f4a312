package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ehrlich-b/go-dnvme"
	"github.com/ehrlich-b/go-dnvme/nvme"
)

func newMetricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Print driver and device metrics and the session counters",
		Long: `Prints the driver version, the active interrupt scheme, the controller
configuration and MSI-X table size, and the command counters of this session (one Identify is issued so the counters
are not empty). With --metrics-textfile the counters are also written in
Prometheus text format.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(s *session) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

				info, err := s.dev.DriverMetrics()
				switch {
				case dnvme.IsCode(err, dnvme.ErrCodeNotSupported):
				case err != nil:
					return err
				default:
					fmt.Fprintf(w, "driver version\t%s\n", version(info.DriverVersion))
					fmt.Fprintf(w, "api version\t%s\n", version(info.APIVersion))
				}
				if irq, err := s.dev.DeviceMetrics(); err == nil {
					fmt.Fprintf(w, "irq\t%s (%d vectors)\n", irq.Type, irq.Count)
				}
				if cc, err := s.dev.ControllerConfiguration(); err == nil {
					fmt.Fprintf(w, "controller\tenabled=%t sq entry=%dB cq entry=%dB\n", cc.Enable, 1<<cc.IOSQES, 1<<cc.IOCQES)
				}
				if n, err := s.dev.MSIXEntryCount(); err == nil {
					fmt.Fprintf(w, "msix vectors\t%d\n", n)
				}

				buf := make([]byte, nvme.IdentifyDataSize)
				cid, err := s.dev.IdentifyController(buf)
				if _, err := s.admin(cmd.Context(), cid, err); err != nil {
					return err
				}

				snap := s.dev.MetricsSnapshot()
				fmt.Fprintf(w, "admin commands\t%d\n", snap.AdminCommands)
				fmt.Fprintf(w, "io commands\t%d\n", snap.IOCommands)
				fmt.Fprintf(w, "send errors\t%d\n", snap.SendErrors)
				fmt.Fprintf(w, "inquire calls\t%d\n", snap.InquireCalls)
				fmt.Fprintf(w, "entries reaped\t%d\n", snap.EntriesReaped)
				fmt.Fprintf(w, "avg send latency\t%s\n", time.Duration(snap.AvgLatencyNs))
				fmt.Fprintf(w, "p99 send latency\t%s\n", time.Duration(snap.LatencyP99Ns))
				if path := viper.GetString("metrics.textfile"); path != "" {
					fmt.Fprintf(w, "textfile\t%s\n", path)
				}
				return w.Flush()
			})
		},
	}
	return cmd
}

func version(v uint32) string {
	return fmt.Sprintf("%d.%d.%d", v>>16, (v>>8)&0xff, v&0xff)
}
