// Command p2pctl is the CLI client for the p2pd daemon's admin HTTP
// control surface.
package main

import "github.com/tentanet/p2pd/cmd/p2pctl/commands"

func main() {
	commands.Execute()
}
