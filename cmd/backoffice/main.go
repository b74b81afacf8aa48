package main

import "github.com/jmcleod/backoffice/cmd/backoffice/cmd"

func main() {
	cmd.Execute()
}
