// Command bnode runs the B-Node coordinator: the long-lived WebSocket
// fabric to every connected C-Node, the three-tier connection hierarchy,
// the session broker, activity fan-out, and the logout barrier.
package main

import "github.com/tinode/bnode/cmd/bnode/commands"

func main() {
	commands.Execute()
}
