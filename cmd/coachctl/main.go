package main

import (
	"fmt"
	"os"

	"github.com/gonzaloobispo/Bioengine-v3/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
