// Command linechat runs the line-oriented TCP chat relay.
package main

import (
	"os"

	"github.com/Tyrowin/linechat/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
