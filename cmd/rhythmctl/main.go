package main

import "github.com/mcoot/rhythmsync/internal/cli"

func main() {
	cli.Execute()
}
