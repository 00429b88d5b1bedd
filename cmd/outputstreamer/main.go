package main

import "github.com/bryanchriswhite/OutputStreamer/cmd/outputstreamer/commands"

func main() {
	commands.Execute()
}
