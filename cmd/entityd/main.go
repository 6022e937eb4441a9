// Command entityd runs and inspects entityd nodes.
//
//	entityd serve --config node.cue
//	entityd send cart-42 '{"op":"GetCart"}'
//	entityd inspect --db entityd.db cart-42
package main

import (
	"fmt"
	"os"

	"github.com/roach88/entityd/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
