package main

import "github.com/nextlevelbuilder/vigil/cmd"

func main() {
	cmd.Execute()
}
