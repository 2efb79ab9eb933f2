package main

import (
	"fmt"

	"github.com/riocm/channelmgr/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
