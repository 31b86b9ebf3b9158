package main

import (
	"Px1LED/cmd"
)

func main() {
	cmd.Execute()
}
