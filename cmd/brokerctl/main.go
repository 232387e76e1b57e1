// Package main provides brokerctl, a small command-line client for
// exercising a broker connection from a terminal: publish a message,
// subscribe and print deliveries, or issue a request and print the
// reply. It is a thin wrapper over public/client, not a production
// tool.
package main

import (
	"fmt"
	"os"

	"github.com/tenzoki/brokerlink/cmd/brokerctl/commands"
)

func main() {
	if err := commands.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
