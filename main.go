package main

import "github.com/andresmejia3/facefinder/cmd"

func main() {
	cmd.Execute()
}
