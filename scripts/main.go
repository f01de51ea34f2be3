package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "query-dht":
		RunQueryDHT(args)
	case "probe-mdns":
		RunProbeMDNS(args)
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: go run ./scripts <command> [args...]")
	fmt.Println("")
	fmt.Println("Available commands:")
	fmt.Println("  query-dht <topic> [rounds]")
	fmt.Println("    Run raw lookup traversals on the DHT and print every batch of peers")
	fmt.Println("    Example: go run ./scripts query-dht chat 3")
	fmt.Println("")
	fmt.Println("  probe-mdns <topic> [seconds]")
	fmt.Println("    Send one multicast DNS query for a topic and dump every packet seen")
	fmt.Println("    Example: go run ./scripts probe-mdns chat 5")
}
