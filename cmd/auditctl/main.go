// Package main is the entry point for auditctl, the operator CLI of the audit service.
// It runs migrations, verifies record signatures, purges expired records, rolls back
// history entries and hosts the long-running write-back worker.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}
