package main

import "github.com/user/cloudscan/cmd"

func main() {
	cmd.Execute()
}
