package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/synnergy-labs/corenet/cmd/corenet/cli"
)

func main() {
	rootCmd := &cobra.Command{Use: "corenet"}
	cli.RegisterNetwork(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
