package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/go-dnvme/nvme"
)

func newIdentifyCmd() *cobra.Command {
	var (
		nsid uint32
		list bool
	)
	cmd := &cobra.Command{
		Use:   "identify",
		Short: "Print the Identify Controller or Identify Namespace data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(s *session) error {
				buf := make([]byte, nvme.IdentifyDataSize)
				out := cmd.OutOrStdout()
				switch {
				case list:
					cid, err := s.dev.Identify(0, nvme.Identify{CNS: nvme.CNSActiveNamespaceList}, buf)
					if _, err := s.admin(cmd.Context(), cid, err); err != nil {
						return err
					}
					for _, id := range nvme.DecodeNamespaceList(buf) {
						fmt.Fprintln(out, id)
					}
					return nil
				case nsid != 0:
					cid, err := s.dev.IdentifyNamespace(nsid, buf)
					if _, err := s.admin(cmd.Context(), cid, err); err != nil {
						return err
					}
					ns, err := nvme.DecodeIdentifyNamespace(buf)
					if err != nil {
						return err
					}
					printNamespace(out, nsid, ns)
					return nil
				}

				cid, err := s.dev.IdentifyController(buf)
				if _, err := s.admin(cmd.Context(), cid, err); err != nil {
					return err
				}
				id, err := nvme.DecodeIdentifyController(buf)
				if err != nil {
					return err
				}
				return printController(out, id)
			})
		},
	}
	cmd.Flags().Uint32VarP(&nsid, "namespace", "n", 0, "identify this namespace instead of the controller")
	cmd.Flags().BoolVar(&list, "list", false, "list active namespaces")
	return cmd
}

func printController(out io.Writer, id *nvme.IdentifyController) error {
	major, minor, tertiary := id.Version()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "vid\t%#04x\n", id.VID)
	fmt.Fprintf(w, "ssvid\t%#04x\n", id.SSVID)
	fmt.Fprintf(w, "sn\t%s\n", id.Serial())
	fmt.Fprintf(w, "mn\t%s\n", id.Model())
	fmt.Fprintf(w, "fr\t%s\n", id.Firmware())
	fmt.Fprintf(w, "ver\t%d.%d.%d\n", major, minor, tertiary)
	fmt.Fprintf(w, "cntlid\t%d\n", id.CNTLID)
	fmt.Fprintf(w, "mdts\t%d\n", id.MDTS)
	fmt.Fprintf(w, "oacs\t%#04x\n", id.OACS)
	fmt.Fprintf(w, "oncs\t%#04x\n", id.ONCS)
	fmt.Fprintf(w, "sqes\t%#02x\n", id.SQES)
	fmt.Fprintf(w, "cqes\t%#02x\n", id.CQES)
	fmt.Fprintf(w, "nn\t%d\n", id.NN)
	fmt.Fprintf(w, "subnqn\t%s\n", id.NQN())

	states, err := id.PowerStates()
	if err != nil {
		return err
	}
	for i, ps := range states {
		nonop := ""
		if ps.NonOperational() {
			nonop = " non-operational"
		}
		fmt.Fprintf(w, "ps%d\tmax %.2fW%s\n", i, float64(ps.MaxPower)/100, nonop)
	}
	return w.Flush()
}

func printNamespace(out io.Writer, nsid uint32, ns *nvme.IdentifyNamespace) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "nsid\t%d\n", nsid)
	fmt.Fprintf(w, "nsze\t%d\n", ns.NSZE)
	fmt.Fprintf(w, "ncap\t%d\n", ns.NCAP)
	fmt.Fprintf(w, "nuse\t%d\n", ns.NUSE)
	fmt.Fprintf(w, "lba size\t%d\n", ns.BlockSize())
	fmt.Fprintf(w, "nguid\t%s\n", ns.GUID())
	w.Flush()
}
