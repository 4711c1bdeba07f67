package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		var be bootstrapError
		if errors.As(err, &be) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
