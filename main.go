// ./main.go
package main

import (
	"github.com/xkilldash9x/marionette-cli/cmd"
)

// main is the entry point for the marionette CLI.
func main() {
	cmd.Execute()
}
