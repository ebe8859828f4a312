package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/go-dnvme/nvme"
)

var selectNames = map[string]uint8{
	"current":      nvme.SelectCurrent,
	"default":      nvme.SelectDefault,
	"saved":        nvme.SelectSaved,
	"capabilities": nvme.SelectCapabilities,
}

func newFeatureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feature",
		Short: "Get and set controller features",
	}
	cmd.AddCommand(newFeatureGetCmd(), newFeatureSetCmd(), newPowerStateCmd())
	return cmd
}

func newFeatureGetCmd() *cobra.Command {
	var sel string
	cmd := &cobra.Command{
		Use:   "get <fid>",
		Short: "Get Features; prints completion dword 0",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fid, err := parseUint(args[0], 8)
			if err != nil {
				return fmt.Errorf("invalid feature id %q: %w", args[0], err)
			}
			s, ok := selectNames[sel]
			if !ok {
				return fmt.Errorf("unknown select %q", sel)
			}
			return withSession(cmd.Context(), func(sess *session) error {
				cid, err := sess.dev.GetFeature(0, nvme.FeatureID(fid), s, nil)
				c, err := sess.admin(cmd.Context(), cid, err)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "feature %#02x (%s): %#08x\n", fid, sel, c.DW0)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sel, "sel", "current", "current, default, saved or capabilities")
	return cmd
}

func newFeatureSetCmd() *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "set <fid> <dword11>",
		Short: "Set Features with a raw dword 11 value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fid, err := parseUint(args[0], 8)
			if err != nil {
				return fmt.Errorf("invalid feature id %q: %w", args[0], err)
			}
			value, err := parseUint(args[1], 32)
			if err != nil {
				return fmt.Errorf("invalid value %q: %w", args[1], err)
			}
			return withSession(cmd.Context(), func(s *session) error {
				cid, err := s.dev.SetFeatures(0, nvme.SetFeatures{FID: nvme.FeatureID(fid), Save: save, DW11: uint32(value)}, nil)
				c, err := s.admin(cmd.Context(), cid, err)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "feature %#02x set, dw0 %#08x\n", fid, c.DW0)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "make the value persist across resets")
	return cmd
}

func newPowerStateCmd() *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "power [state]",
		Short: "Show or select the power state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(s *session) error {
				ctx := cmd.Context()
				if len(args) == 1 {
					ps, err := parseUint(args[0], 5)
					if err != nil {
						return fmt.Errorf("invalid power state %q: %w", args[0], err)
					}
					cid, err := s.dev.SetPowerState(uint8(ps), save)
					if _, err := s.admin(ctx, cid, err); err != nil {
						return err
					}
				}
				cid, err := s.dev.GetPowerState(nvme.SelectCurrent)
				c, err := s.admin(ctx, cid, err)
				if err != nil {
					return err
				}
				pm := nvme.DecodePowerManagement(c.DW0)
				fmt.Fprintf(cmd.OutOrStdout(), "power state %d (workload hint %d)\n", pm.PS, pm.WH)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "make the state persist across resets")
	return cmd
}
