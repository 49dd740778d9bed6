package main

import "github.com/terraconstructs/iamsync/cmd/iamsync/cmd"

func main() {
	cmd.Execute()
}
