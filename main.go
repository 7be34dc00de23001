package main

import "github.com/voluteio/volute/cmd"

func main() {
	cmd.Execute()
}
