// reach-stress exercises the collector with synthetic object graphs.
//
// Usage:
//
//	reach-stress churn [flags]    Allocate, sever and collect in a loop
//	reach-stress verify [flags]   Cluster a graph and check consistency
package main

import (
	"context"
	"os"

	"github.com/calvinalkan/reach/internal/cli"
)

func main() {
	os.Exit(cli.Run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]))
}
