package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/swarm-discovery/internal/utils"
)

var (
	configPath     string
	logLevel       string
	domainFlag     string
	bootstrapNodes []string
	config         *utils.ConfigManager
	logger         *utils.LogsManager
)

var rootCmd = &cobra.Command{
	Use:   utils.AppName,
	Short: "Peer discovery over the mainline DHT and multicast DNS",
	Long: `Find peers interested in the same topic.

Topics are announced and looked up on the BitTorrent mainline DHT and, at the
same time, on the local network through multicast DNS. Results from both are
merged into one stream of peer candidates per topic.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config = utils.NewConfigManager(configPath)

		if domainFlag != "" {
			config.SetConfig("domain", domainFlag)
		}
		if cmd.Flags().Changed("bootstrap") {
			config.SetConfig("bootstrap_nodes", bootstrapNodes)
		}

		logger = utils.NewLogsManager(config)
		if logLevel != "" {
			if err := logger.SetLogLevel(logLevel); err != nil {
				fmt.Println(err)
				os.Exit(1)
			}
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&domainFlag, "domain", "d", "", "multicast domain suffix (default from config)")
	rootCmd.PersistentFlags().StringSliceVarP(&bootstrapNodes, "bootstrap", "b", nil, "DHT bootstrap nodes as host:port, replaces bootstrap_nodes")
}
