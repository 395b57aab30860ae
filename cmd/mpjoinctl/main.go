// mpjoinctl -- CLI client for the mpjoind subflow path manager.
package main

import "github.com/mpath/mpjoind/cmd/mpjoinctl/commands"

func main() {
	commands.Execute()
}
