package main

import (
	rootcmd "go.ntppool.org/optimizer/cmd"
	"go.ntppool.org/optimizer/optimizer/cmd"
)

func main() {
	rootcmd.Run(&cmd.CLI{}, "ntp-optimizer", "Finds the best NTP server and configures the local time service to use it")
}
