package main

import (
	"fmt"
	"os"

	"courier/internal/cli"
	"courier/pkg/logger"
)

func main() {
	rootCmd := cli.NewRootCmd()

	err := rootCmd.Execute()
	logger.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
