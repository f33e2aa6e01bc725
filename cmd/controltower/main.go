package main

import "github.com/vietddude/controltower/internal/cli"

func main() {
	cli.Execute()
}
