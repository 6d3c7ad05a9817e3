package main

import (
	"os"

	"github.com/Lokua/learn-wgpu/pkg/buildsys/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
