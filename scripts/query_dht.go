package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Trustflow-Network-Labs/swarm-discovery/internal/p2p"
	"github.com/Trustflow-Network-Labs/swarm-discovery/internal/utils"
)

func RunQueryDHT(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: go run ./scripts query-dht <topic> [rounds]")
		fmt.Println("")
		fmt.Println("Looks the topic up on the mainline DHT without the discovery session,")
		fmt.Println("so traversal errors and stats are visible per round.")
		os.Exit(1)
	}

	rounds := 1
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 {
			fmt.Printf("Invalid round count: %s\n", args[1])
			os.Exit(1)
		}
		rounds = n
	}

	config := utils.NewConfigManager("")
	config.SetConfig("dht_port", 0)
	logger := utils.NewLogsManager(config)
	defer logger.Close()

	bootstrap := config.GetBootstrapNodes("bootstrap_nodes", p2p.DefaultBootstrapNodes)
	dhtPeer, err := p2p.NewDHTPeer(config, logger, bootstrap, true)
	if err != nil {
		fmt.Printf("Failed to create DHT peer: %v\n", err)
		os.Exit(1)
	}
	defer dhtPeer.Close()

	if err := dhtPeer.Start(); err != nil {
		fmt.Printf("Failed to start DHT: %v\n", err)
		os.Exit(1)
	}

	key := utils.TopicKey(args[0])
	fmt.Printf("=== DHT Lookup ===\n")
	fmt.Printf("Topic: %s\n", args[0])
	fmt.Printf("Infohash: %x\n", p2p.KeyToInfoHash(key))
	fmt.Printf("Bootstrap nodes: %d\n\n", len(bootstrap))

	for round := 1; round <= rounds; round++ {
		fmt.Printf("--- round %d ---\n", round)
		queryRound(dhtPeer, key)
	}

	fmt.Printf("\n=== DHT Stats ===\n%+v\n", dhtPeer.GetStats())
}

func queryRound(dhtPeer *p2p.DHTPeer, key []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	start := time.Now()
	stream, err := dhtPeer.Lookup(ctx, key)
	if err != nil {
		fmt.Printf("❌ Lookup failed to start: %v\n", err)
		return
	}
	defer stream.Close()

	batches, found := 0, 0
	for result := range stream.Results() {
		batches++
		for _, addr := range result.LocalPeers {
			found++
			fmt.Printf("  %s (same network)\n", addr)
		}
		for _, addr := range result.Peers {
			found++
			if result.Referrer != nil {
				fmt.Printf("  %s (via %s)\n", addr, result.Referrer)
			} else {
				fmt.Printf("  %s\n", addr)
			}
		}
	}

	if err := stream.Err(); err != nil {
		fmt.Printf("❌ Round ended with error after %v: %v\n", time.Since(start).Round(time.Millisecond), err)
		return
	}
	fmt.Printf("✅ %d peers in %d batches, %v\n", found, batches, time.Since(start).Round(time.Millisecond))
}
