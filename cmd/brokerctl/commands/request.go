package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func requestCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "request <subject> <data>",
		Short: "Send a request and print the single reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(flags)
			if err != nil {
				return err
			}
			defer c.Close()

			reply, err := c.Request(args[0], []byte(args[1]), flags.timeout)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(reply.Data))
			return nil
		},
	}
}
