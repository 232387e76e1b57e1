package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tenzoki/brokerlink/public/client"
)

func subCommand(flags *rootFlags) *cobra.Command {
	var queue string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "sub <subject>",
		Short: "Subscribe to a subject and print deliveries until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(flags)
			if err != nil {
				return err
			}
			defer c.Close()

			var sid atomic.Value // string, set once subscribe returns
			sid.Store("")
			sub, err := c.QueueSubscribe(args[0], queue, func(m client.Msg) {
				if m.Err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "delivery error: %v\n", m.Err)
					return
				}
				if asJSON {
					b, _ := json.Marshal(client.ToEnvelope(sid.Load().(string), m))
					fmt.Fprintln(cmd.OutOrStdout(), string(b))
					return
				}
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", m.Subject, string(m.Data))
			})
			if err != nil {
				return err
			}
			sid.Store(sub.Sid())
			defer sub.Unsubscribe()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			return nil
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "", "queue group for load-balanced delivery")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print each delivery as a JSON envelope instead of plain text")
	return cmd
}
