package main

import "voxshift/cmd"

func main() {
	cmd.Execute()
}
