package main

import "github.com/vietddude/herald/internal/cli"

func main() {
	cli.Execute()
}
