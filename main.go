package main

import "github.com/ZanzyTHEbar/treesnap/cmd"

func main() {
	cmd.Execute()
}
