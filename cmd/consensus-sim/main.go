// Command consensus-sim runs a workload against a consensus cluster, either
// under the deterministic simulator or as concurrently running replicas, and
// reports whether every replica reached the same state.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

func main() {
	cmd, err := newCommand(viper.New(), os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
