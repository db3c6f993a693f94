// The main package for the regwatch executable.
package main

import (
	"github.com/JakeFAU/regwatch/cmd"
)

func main() {
	cmd.Execute()
}
