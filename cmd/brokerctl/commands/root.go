package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tenzoki/brokerlink/public/client"
)

// rootFlags holds the connection options shared by every subcommand,
// the cobra analogue of the teacher main.go's config-source priority
// (explicit flag, then config file, then hardcoded defaults).
type rootFlags struct {
	servers    []string
	configFile string
	user       string
	pass       string
	token      string
	name       string
	timeout    time.Duration
	payload    string
	noRandom   bool
	nkeySeed   string
}

func Root() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "brokerctl",
		Short: "Command-line client for a pub/sub broker connection",
	}
	root.PersistentFlags().StringSliceVar(&flags.servers, "server", nil, "broker server URL (repeatable)")
	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "YAML client config file")
	root.PersistentFlags().StringVar(&flags.user, "user", "", "CONNECT username")
	root.PersistentFlags().StringVar(&flags.pass, "pass", "", "CONNECT password")
	root.PersistentFlags().StringVar(&flags.token, "token", "", "CONNECT auth token")
	root.PersistentFlags().StringVar(&flags.name, "name", "brokerctl", "CONNECT client name")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", 5*time.Second, "connect/flush/request timeout")
	root.PersistentFlags().StringVar(&flags.payload, "payload", "string", "payload decode mode: string, binary, or json")
	root.PersistentFlags().BoolVar(&flags.noRandom, "no-randomize", false, "try servers in the given order instead of shuffling")
	root.PersistentFlags().StringVar(&flags.nkeySeed, "nkey-seed", "", "nkey seed for nonce-signed auth (derives nkey public key and signer)")

	root.AddCommand(pubCommand(flags))
	root.AddCommand(subCommand(flags))
	root.AddCommand(requestCommand(flags))
	return root
}

// connect builds a Client from the shared flags and blocks until the
// first handshake completes.
func connect(flags *rootFlags) (*client.Client, error) {
	opts := client.DefaultOptions()
	if flags.configFile != "" {
		var err error
		opts, err = client.FromConfigFile(flags.configFile, opts)
		if err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}
	if len(flags.servers) > 0 {
		opts.Servers = flags.servers
	}
	if flags.user != "" {
		opts.User = flags.user
	}
	if flags.pass != "" {
		opts.Pass = flags.pass
	}
	if flags.token != "" {
		opts.Token = flags.token
	}
	opts.Name = flags.name
	opts.Timeout = flags.timeout
	opts.NoRandomize = flags.noRandom
	if flags.payload != "" {
		opts.Payload = flags.payload
	}
	if flags.nkeySeed != "" {
		pub, err := client.NKeyPublicKey(flags.nkeySeed)
		if err != nil {
			return nil, fmt.Errorf("deriving nkey public key: %w", err)
		}
		signer, err := client.NewNkeySigner(flags.nkeySeed)
		if err != nil {
			return nil, fmt.Errorf("building nkey signer: %w", err)
		}
		opts.NKeyPub = pub
		opts.NonceSigner = signer
	}

	c, err := client.New(opts)
	if err != nil {
		return nil, fmt.Errorf("constructing client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	return c, nil
}
