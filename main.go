// The main package for the crawlctl executable.
package main

import "github.com/JakeFAU/crawl-orchestrator/cmd"

func main() {
	cmd.Execute()
}
