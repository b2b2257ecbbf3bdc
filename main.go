// The main package for the flounder executable.
package main

import (
	"github.com/JakeFAU/flounder/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
