package main

import (
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/empower1/fabric/cmd/fabricd/cli"
)

func main() {
	if err := cli.New().Execute(); err != nil {
		os.Exit(1)
	}
}
