package main

import "github.com/samsaffron/toolloop/cmd"

func main() {
	cmd.Execute()
}
