// The main package for the property-pipeline executable.
package main

import (
	"github.com/JakeFAU/property-pipeline/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
