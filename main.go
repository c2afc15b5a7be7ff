package main

import "github.com/bookget/capture/cmd"

func main() {
	cmd.Execute()
}
