package main

import (
	"github.com/sidkik/sup/cmd"
	"github.com/sidkik/sup/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
