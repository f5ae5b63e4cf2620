// cdrgraph ingests call detail records into a property graph and serves
// bounded subgraphs around chosen parties for visualization.
package main

import (
	"fmt"
	"os"

	"github.com/Benny93/cdrgraph/cmd"
)

func main() {
	cli := cmd.NewCLI()

	if err := cli.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
