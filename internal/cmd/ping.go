package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ping the DHT bootstrap nodes",
	Long:  "Ping every configured bootstrap node and show round-trip times and our address as they see it",
	Run: func(cmd *cobra.Command, args []string) {
		session := mustStartSession()
		defer closeSession(session)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		results, err := session.Ping(ctx)
		if err != nil {
			fmt.Printf("Ping failed: %v\n", err)
			closeSession(session)
			os.Exit(1)
		}

		fmt.Printf("%d of %d bootstrap nodes answered:\n", len(results), len(session.Bootstrap()))
		for _, result := range results {
			fmt.Printf("- %s: %v (sees us as %s)\n", result.Node, result.RTT.Round(time.Millisecond), result.Pong)
		}
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
