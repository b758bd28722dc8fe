package main

import "github.com/pilab-dev/shadow-link/cmd/linkd/cmd"

func main() {
	cmd.Execute()
}
