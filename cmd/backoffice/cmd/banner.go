package cmd

import (
	"fmt"
)

const banner = `
  ____             _       ___   __  __ _
 | __ )  __ _  ___| | __  / _ \ / _|/ _(_) ___ ___
 |  _ \ / _` + "`" + ` |/ __| |/ / | | | | |_| |_| |/ __/ _ \
 | |_) | (_| | (__|   <  | |_| |  _|  _| | (_|  __/
 |____/ \__,_|\___|_|\_\  \___/|_| |_| |_|\___\___|

`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Property Management Back Office - Version %s\x1b[0m\n\n", Version)
}
