// Command natpipe opens an encrypted pipe between two hosts behind symmetric
// NATs, using a relay only for the rendezvous.
//
//	natpipe keygen --out identity.key
//	natpipe relay --listen :7400 --ws-listen :7480
//	natpipe connect --relay relay.example.net:7400 --token secret --initiator
//	natpipe connect --relay relay.example.net:7400 --token secret
//	natpipe discover
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
