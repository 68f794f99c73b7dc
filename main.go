package main

import "llmeval/internal/cli"

func main() {
	cli.Execute()
}
