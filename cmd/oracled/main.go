package main

import "oracle-engine/internal/cli"

func main() {
	cli.Execute()
}
