// Package main is tablesyncctl, a command line client for tablesync.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tablesyncctl: %v\n", err)
		os.Exit(1)
	}
}
