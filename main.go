package main

import "github.com/codecanvas/codecanvas/cmd"

func main() {
	cmd.Execute()
}
