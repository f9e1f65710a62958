package main

import "github.com/dyike/PolishGo/internal/cli"

func main() {
	cli.Run()
}
