package main

import "github.com/librescoot/nfa/cmd/nfad/cmd"

func main() {
	cmd.Execute()
}
