package main

import "github.com/njfio/tau/cmd"

func main() {
	cmd.Execute()
}
