// Package main is the entry point for cyberpanel-mariadb-upgrade.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
