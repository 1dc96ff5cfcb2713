package main

import (
	"github.com/vibefi/dapphost/cmd"
)

func main() {
	cmd.Execute()
}
