package main

import "github.com/CharlieGPA40/QuDAP-sub002/internal/cli"

func main() {
	cli.Execute()
}
