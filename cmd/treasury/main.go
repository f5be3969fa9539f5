package main

import "github.com/vietddude/treasury/internal/cli"

func main() {
	cli.Execute()
}
