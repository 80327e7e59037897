// Command vdbcenter serves and administers per-project knowledge bases.
package main

import (
	"fmt"
	"os"

	"github.com/moyitech/vdb-center/cmd/vdbcenter/commands"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	rootCmd := commands.NewRootCmd(version)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
