package main

import "github.com/nextlevelbuilder/goant/cmd"

func main() {
	cmd.Execute()
}
