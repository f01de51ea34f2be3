package cmd

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/swarm-discovery/internal/discovery"
)

var (
	announcePort      int
	announceLocalPort int
	announceLocalAddr string
	announceLookup    bool
)

var announceCmd = &cobra.Command{
	Use:   "announce <topic>",
	Short: "Announce this node for a topic",
	Long: `Announce this node on the DHT and the local network until interrupted.

Peers found on the DHT while announcing are printed. With --lookup the node
also queries the local network for other announcers.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key, err := topicKey(args[0], rawKey)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		opts := discovery.AnnounceOptions{
			Port:      announcePort,
			LocalPort: announceLocalPort,
			Lookup:    announceLookup,
		}
		if announceLocalAddr != "" {
			if opts.LocalAddress = net.ParseIP(announceLocalAddr); opts.LocalAddress == nil {
				fmt.Printf("Invalid local address: %s\n", announceLocalAddr)
				os.Exit(1)
			}
		}

		session := mustStartSession()
		defer closeSession(session)

		topic, err := session.Announce(key, opts)
		if err != nil {
			logger.Error(fmt.Sprintf("Failed to announce: %v", err), "cli")
			return
		}
		topic.OnPeer(printPeer)
		topic.OnUpdate(func(err error) {
			if err != nil {
				logger.Warn(fmt.Sprintf("Announce round for %s failed: %v", topic.Domain(), err), "cli")
				return
			}
			logger.Info(fmt.Sprintf("Announce round for %s completed", topic.Domain()), "cli")
		})

		fmt.Printf("Announcing %s on port %d. Press Ctrl+C to stop.\n", topic.Domain(), announcePort)
		waitForSignal(session)
	},
}

func init() {
	announceCmd.Flags().IntVarP(&announcePort, "port", "p", 0, "port to announce (0 uses the DHT source port)")
	announceCmd.Flags().IntVar(&announceLocalPort, "local-port", 0, "port to advertise on the local network (defaults to --port)")
	announceCmd.Flags().StringVar(&announceLocalAddr, "local-address", "", "address to advertise on the local network (defaults to the sender address)")
	announceCmd.Flags().BoolVarP(&announceLookup, "lookup", "l", false, "also look for peers on the local network")
	announceCmd.Flags().BoolVar(&rawKey, "hex", false, "topic is a hex encoded key instead of a name")
	rootCmd.AddCommand(announceCmd)
}
