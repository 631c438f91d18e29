// Command dumpany downloads the filing documents of UK companies.
package main

import "github.com/pearswick/dumpany/cmd"

func main() {
	cmd.Execute()
}
