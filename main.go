package main

import "github.com/example/face-verify/cmd"

func main() {
	cmd.Execute()
}
