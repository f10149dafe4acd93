// Leek searches for RSA keys whose onion address starts with a wanted
// prefix.
//
// Usage:
//
//	leek [flags] [prefix]
//	leek --prefixes words.txt --min-length 6 --output keys/
//	leek impls
//	leek config
//
// Settings come from flags, LEEK_* environment variables and an optional
// YAML file (--config, or leek.yaml in the working directory), in that
// order of precedence.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
