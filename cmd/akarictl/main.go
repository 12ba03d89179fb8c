// akarictl is the CLI client for the AKARI-UDP proxy: it performs
// HTTP exchanges through a remote akarid instance over UDP.
package main

import "github.com/ncc2025seisaku/akari-go/cmd/akarictl/commands"

func main() {
	commands.Execute()
}
