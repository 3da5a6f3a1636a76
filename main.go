package main

import "github.com/cc-proxy/cc-proxy/cmd"

func main() {
	cmd.Execute()
}
