package main

import "github.com/lingosub/lingosub/internal/cli"

func main() {
	cli.Execute()
}
