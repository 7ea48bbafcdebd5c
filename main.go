// The main package for the blaulicht-crawler executable.
package main

import (
	"github.com/JakeFAU/blaulicht-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
