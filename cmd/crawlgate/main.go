package main

import (
	"os"

	"github.com/crawlgate/crawlgate/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
