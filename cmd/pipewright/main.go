package main

import (
	"errors"
	"fmt"
	"os"

	pwerrors "github.com/alexisbeaulieu97/pipewright/pkg/errors"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode is 1 for plans that did not succeed and 2 for documents that
// could not be loaded.
func exitCode(err error) int {
	var parseErr *pwerrors.ParseError
	var validationErr *pwerrors.ValidationError
	switch {
	case errors.As(err, &parseErr), errors.As(err, &validationErr):
		return 2
	default:
		return 1
	}
}
