// The main package for the polymath executable.
package main

import (
	"github.com/JakeFAU/polymath-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
