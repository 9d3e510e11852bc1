// Command schedctl drives the scheduling service from a terminal.
package main

import (
	"fmt"
	"os"

	"github.com/md-rashed-zaman/apptschedule/libs/config"
	"github.com/spf13/cobra"
)

type options struct {
	addr         string
	practitioner string
	json         bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "schedctl",
		Short:        "Operate on appointments through the scheduling service API",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.practitioner == "" {
				return fmt.Errorf("--practitioner (or SCHEDCTL_PRACTITIONER) is required")
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", config.String("SCHEDCTL_ADDR", "http://localhost:8080"), "scheduling service base URL")
	root.PersistentFlags().StringVar(&opts.practitioner, "practitioner", config.String("SCHEDCTL_PRACTITIONER", ""), "practitioner id to act as")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print JSON instead of tables")

	root.AddCommand(
		createCmd(opts),
		confirmCmd(opts),
		rescheduleCmd(opts),
		cancelCmd(opts),
		getCmd(opts),
		listCmd(opts),
		dayCmd(opts),
		searchCmd(opts),
		auditCmd(opts),
		watchCmd(opts),
		verifyCmd(opts),
	)
	return root
}

func (o *options) client() *client { return newClient(o.addr, o.practitioner) }
