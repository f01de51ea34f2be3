package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Trustflow-Network-Labs/swarm-discovery/internal/discovery"
	"github.com/Trustflow-Network-Labs/swarm-discovery/internal/p2p"
	"github.com/Trustflow-Network-Labs/swarm-discovery/internal/utils"
)

var (
	rawKey         bool
	monitor        *utils.MonitoringServer
	networkMonitor *p2p.NetworkMonitor
)

// topicKey hashes a topic name into a 32 byte key, or decodes it when --hex is set
func topicKey(name string, raw bool) ([]byte, error) {
	return utils.ParseTopicKey(name, raw)
}

func sessionOptions() discovery.Options {
	opts := discovery.DefaultOptions()
	opts.Domain = config.GetConfigWithDefault("domain", discovery.DefaultDomain)
	opts.Bootstrap = config.GetBootstrapNodes("bootstrap_nodes", p2p.DefaultBootstrapNodes)
	opts.Ephemeral = config.GetConfigBool("ephemeral", true)
	opts.PingTimeout = config.GetConfigDuration("ping_timeout", 5*time.Second)
	return opts
}

// startSession brings up both channels and a discovery session on top of them
func startSession() (*discovery.Session, error) {
	opts := sessionOptions()

	dhtPeer, err := p2p.NewDHTPeer(config, logger, opts.Bootstrap, opts.Ephemeral)
	if err != nil {
		return nil, err
	}
	if err := dhtPeer.Start(); err != nil {
		dhtPeer.Close()
		return nil, err
	}

	mdns, err := p2p.NewMulticastDNS(config, logger)
	if err != nil {
		dhtPeer.Close()
		return nil, err
	}

	session, err := discovery.New(dhtPeer, mdns, opts, logger)
	if err != nil {
		dhtPeer.Close()
		mdns.Close()
		return nil, err
	}

	logger.Info(fmt.Sprintf("Session ready (DHT node %s on port %d)", dhtPeer.NodeID(), dhtPeer.Port()), "cli")

	monitor = utils.NewMonitoringServer(config, logger, sessionGauges(session, dhtPeer))
	if monitor.Enabled() {
		if err := monitor.Start(); err != nil {
			logger.Warn(fmt.Sprintf("Monitoring disabled: %v", err), "cli")
		}
	}

	networkMonitor = p2p.NewNetworkMonitor(config, logger, func(previous, current p2p.NetworkState) {
		logger.Info(fmt.Sprintf("Network changed (%s -> %s), refreshing topics", previous.LocalIP, current.LocalIP), "cli")
		if err := session.Refresh(); err != nil {
			logger.Debug(fmt.Sprintf("Refresh skipped: %v", err), "cli")
		}
	})
	if err := networkMonitor.Start(); err != nil {
		logger.Warn(fmt.Sprintf("Network monitor disabled: %v", err), "cli")
	}

	return session, nil
}

func sessionGauges(session *discovery.Session, dhtPeer *p2p.DHTPeer) utils.GaugeSource {
	return func() map[string]int64 {
		stats := dhtPeer.GetStats()
		return map[string]int64{
			"topics":                   int64(session.Topics()),
			"dht_nodes":                int64(stats.Nodes),
			"dht_good_nodes":           int64(stats.GoodNodes),
			"dht_bad_nodes":            int64(stats.BadNodes),
			"dht_outstanding_queries":  int64(stats.OutstandingTransactions),
			"dht_queries_attempted":    stats.OutboundQueriesAttempted,
			"dht_successful_announces": stats.SuccessfulOutboundAnnouncePeerQueries,
		}
	}
}

func mustStartSession() *discovery.Session {
	session, err := startSession()
	if err != nil {
		logger.Error(fmt.Sprintf("Failed to start discovery session: %v", err), "cli")
		fmt.Printf("Failed to start discovery session: %v\n", err)
		os.Exit(1)
	}
	return session
}

func closeSession(session *discovery.Session) {
	if networkMonitor != nil {
		networkMonitor.Stop()
	}
	if monitor != nil {
		monitor.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := session.Close(ctx); err != nil {
		logger.Warn(fmt.Sprintf("Session did not close cleanly: %v", err), "cli")
	}
}

// waitForSignal blocks until Ctrl+C, SIGTERM or the session closing
func waitForSignal(session *discovery.Session) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info(fmt.Sprintf("Received signal %v, shutting down", sig), "cli")
	case <-session.Done():
	}
}

func printPeer(peer discovery.PeerCandidate) {
	switch {
	case peer.Local:
		fmt.Printf("peer %s (local)\n", peer.Addr)
	case peer.Referrer != nil:
		fmt.Printf("peer %s (via %s)\n", peer.Addr, peer.Referrer)
	default:
		fmt.Printf("peer %s\n", peer.Addr)
	}
}
