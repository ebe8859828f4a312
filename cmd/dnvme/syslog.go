package main

import (
	"strings"

	"github.com/spf13/cobra"
)

func newSyslogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "syslog <message>...",
		Short: "Write a marker string to the kernel log",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(s *session) error {
				return s.dev.MarkSyslog(strings.Join(args, " "))
			})
		},
	}
}
