package main

import "github.com/arcward/dishcord/cmd"

func main() {
	cmd.Execute()
}
