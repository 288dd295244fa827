package main

import "tokend/internal/cli"

func main() {
	cli.Execute()
}
