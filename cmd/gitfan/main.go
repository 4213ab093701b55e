// Package main is the entry point for the gitfan CLI.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gitfan: %v\n", err)
		os.Exit(1)
	}
}
