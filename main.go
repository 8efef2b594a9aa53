// The main package for the harvest executable.
package main

import (
	"github.com/JakeFAU/listing-harvester/cmd"
)

func main() {
	cmd.Execute()
}
