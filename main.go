package main

import (
	"github.com/packlane/packageserver/cmd"
)

func main() {
	cmd.Execute()
}
