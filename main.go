package main

import "github.com/dvaar/dvaar/cmd"

func main() {
	cmd.Execute()
}
