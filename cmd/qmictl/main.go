// Command qmictl talks to a running qmid.
//
// Usage:
//
//	qmictl identity
//	qmictl send SERVICE MSG [TYPE=HEX ...]
//	qmictl raw SERVICE HEXSDU
//	qmictl watch SERVICE
//
// SERVICE is a mnemonic such as "dms" or a number. MSG is a message ID,
// decimal or 0x-prefixed.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
