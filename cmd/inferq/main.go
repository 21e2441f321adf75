// Command inferq runs the resource-aware job engine and its operational
// tooling.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "inferq:", err)
		os.Exit(1)
	}
}
