package main

import "github.com/Trustflow-Network-Labs/swarm-discovery/internal/cmd"

func main() {
	cmd.Execute()
}
