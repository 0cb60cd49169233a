package main

import (
	"github.com/torrvision/slite/cmd/slitectl/cmd"
	"github.com/torrvision/slite/internal/common"
)

func main() {
	common.ConfigureCommandLineLogging()
	cmd.Execute()
}
