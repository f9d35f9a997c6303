package main

import (
	"github.com/pressify/forge/cmd"
)

func main() {
	cmd.Execute()
}
