package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/miekg/dns"

	"github.com/Trustflow-Network-Labs/swarm-discovery/internal/discovery"
	"github.com/Trustflow-Network-Labs/swarm-discovery/internal/p2p"
	"github.com/Trustflow-Network-Labs/swarm-discovery/internal/utils"
)

// packetDumper prints every message the multicast channel delivers
type packetDumper struct{}

func (packetDumper) HandleQuery(msg *dns.Msg, from *net.UDPAddr) {
	fmt.Printf("[%s] query from %s\n%s\n", time.Now().Format(time.TimeOnly), from, msg)
}

func (packetDumper) HandleResponse(msg *dns.Msg, from *net.UDPAddr) {
	fmt.Printf("[%s] response from %s\n%s\n", time.Now().Format(time.TimeOnly), from, msg)
}

func RunProbeMDNS(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: go run ./scripts probe-mdns <topic> [seconds]")
		os.Exit(1)
	}

	wait := 5 * time.Second
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 {
			fmt.Printf("Invalid duration: %s\n", args[1])
			os.Exit(1)
		}
		wait = time.Duration(n) * time.Second
	}

	config := utils.NewConfigManager("")
	logger := utils.NewLogsManager(config)
	defer logger.Close()

	mdns, err := p2p.NewMulticastDNS(config, logger)
	if err != nil {
		fmt.Printf("Failed to create mdns channel: %v\n", err)
		os.Exit(1)
	}
	if err := mdns.Start(packetDumper{}); err != nil {
		fmt.Printf("Failed to start mdns channel: %v\n", err)
		os.Exit(1)
	}
	defer mdns.Close()

	key := utils.TopicKey(args[0])
	name := discovery.Domain(key, config.GetConfigWithDefault("domain", discovery.DefaultDomain))
	fmt.Printf("Querying %s, listening for %v\n\n", name, wait)

	question := dns.Question{Name: dns.Fqdn(name), Qtype: dns.TypeSRV, Qclass: dns.ClassINET}
	if err := mdns.Query([]dns.Question{question}, nil); err != nil {
		fmt.Printf("❌ Query failed: %v\n", err)
		os.Exit(1)
	}

	time.Sleep(wait)
}
