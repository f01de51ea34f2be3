package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/swarm-discovery/internal/discovery"
	"github.com/Trustflow-Network-Labs/swarm-discovery/internal/p2p"
)

var domainCmd = &cobra.Command{
	Use:   "domain <topic>",
	Short: "Show the key, infohash and multicast name of a topic",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key, err := topicKey(args[0], rawKey)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		suffix := config.GetConfigWithDefault("domain", discovery.DefaultDomain)
		fmt.Printf("key:      %x\n", key)
		fmt.Printf("infohash: %x\n", p2p.KeyToInfoHash(key))
		fmt.Printf("domain:   %s\n", discovery.Domain(key, suffix))
	},
}

func init() {
	domainCmd.Flags().BoolVar(&rawKey, "hex", false, "topic is a hex encoded key instead of a name")
	rootCmd.AddCommand(domainCmd)
}
