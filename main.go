// Command leadscout runs the lead scraping API and its admin commands.
package main

import "github.com/JakeFAU/leadscout/cmd"

func main() {
	cmd.Execute()
}
