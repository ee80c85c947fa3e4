package main

import (
	"github.com/TyrellHaywood/echo-sub001/cmd"
)

func main() {
	cmd.Execute()
}
