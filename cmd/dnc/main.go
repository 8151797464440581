// Command dnc runs pools of differentiable neural computer memories, measures
// the kernel backends and manages persisted engine snapshots.
package main

import (
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env if present (ignore error if missing)
	_ = godotenv.Load(".env")

	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
