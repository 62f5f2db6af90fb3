// Command pt is the papertrail CLI: capture receipts, warranties, bills
// and reminders locally, and keep them in sync with your account across
// devices.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
