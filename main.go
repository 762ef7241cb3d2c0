package main

import "github.com/kiesman99/geostitch/cmd"

func main() {
	cmd.Execute()
}
