package main

import "crewchat/cmd/chatclient/cmd"

func main() {
	cmd.Execute()
}
