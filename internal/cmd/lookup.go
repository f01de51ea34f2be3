package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/swarm-discovery/internal/discovery"
)

var lookupOneTimeout time.Duration

var lookupCmd = &cobra.Command{
	Use:   "lookup <topic>",
	Short: "Print peers for a topic until interrupted",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key, err := topicKey(args[0], rawKey)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		session := mustStartSession()
		defer closeSession(session)

		topic, err := session.Lookup(key)
		if err != nil {
			logger.Error(fmt.Sprintf("Failed to look up: %v", err), "cli")
			return
		}
		topic.OnPeer(printPeer)
		topic.OnUpdate(func(err error) {
			if err != nil {
				logger.Warn(fmt.Sprintf("Lookup round for %s failed: %v", topic.Domain(), err), "cli")
			}
		})

		fmt.Printf("Looking up %s. Press Ctrl+C to stop.\n", topic.Domain())
		waitForSignal(session)
	},
}

var lookupOneCmd = &cobra.Command{
	Use:   "lookup-one <topic>",
	Short: "Print the first peer found for a topic",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key, err := topicKey(args[0], rawKey)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		session := mustStartSession()
		ctx, cancel := context.WithTimeout(context.Background(), lookupOneTimeout)
		peer, err := session.LookupOne(ctx, key)
		cancel()
		closeSession(session)

		switch {
		case err == nil:
			printPeer(peer)
		case errors.Is(err, discovery.ErrNoPeersFound), errors.Is(err, context.DeadlineExceeded):
			fmt.Println("No peers found")
			os.Exit(2)
		default:
			fmt.Printf("Lookup failed: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	lookupCmd.Flags().BoolVar(&rawKey, "hex", false, "topic is a hex encoded key instead of a name")
	lookupOneCmd.Flags().BoolVar(&rawKey, "hex", false, "topic is a hex encoded key instead of a name")
	lookupOneCmd.Flags().DurationVarP(&lookupOneTimeout, "timeout", "t", 2*time.Minute, "give up after this long")
	rootCmd.AddCommand(lookupCmd)
	rootCmd.AddCommand(lookupOneCmd)
}
