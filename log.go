package hlog

import (
	"fmt"
	"os"
)

// Verbose gates the package's diagnostic output, in the spirit of the
// teacher's ad hoc fmt.Println calls in BufMgr.Close/deleterFreePages,
// made switchable instead of always-on.
var Verbose = false

func logf(format string, args ...interface{}) {
	if !Verbose {
		return
	}
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

func errPrintf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
