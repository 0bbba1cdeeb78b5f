package main

import (
	"os"

	"github.com/JakeFAU/strain-archive-collector/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
