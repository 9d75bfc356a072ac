// Command ck is the coinkeep offline-first finance client.
//
// ck keeps a durable local cache of accounts, categories, and
// transactions, accepts mutations while offline, and syncs them against
// the remote finance API when connectivity allows.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
