// Package main is the hiplan command.
//
// Start the service:
//
//	hiplan serve --config ~/.hiplan/hiplan.json
//
// Run one goal without the gateway:
//
//	hiplan run "summarize the open issues"
//
// Inspect what a session did:
//
//	hiplan trace <session-id> --format yaml
package main

import (
	"os"

	"github.com/harun/hiplan/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
