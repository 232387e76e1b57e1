package commands

import (
	"github.com/spf13/cobra"
)

func pubCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "pub <subject> <data>",
		Short: "Publish a single message and exit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(flags)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Publish(args[0], []byte(args[1])); err != nil {
				return err
			}
			return c.Flush(flags.timeout)
		},
	}
}
