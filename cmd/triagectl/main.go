// Command triagectl runs triage requests against the agent service from a
// terminal, using a YAML catalog instead of the DynamoDB table, and seeds the
// table from such a catalog.
package main

import (
	"os"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
