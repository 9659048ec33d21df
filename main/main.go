package main

import (
	"os"

	"github.com/LUPENGHAN/EASYDB/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
