package main

import "voice-fusion/cmd"

func main() {
	cmd.Execute()
}
