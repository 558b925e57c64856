// Command bytehotd is ByteHot's agent-host CLI: it wires the file-watch
// session, validator, hot-swap coordinator, rollback engine, reconciler,
// flow detector, and optional introspection surface into one running
// process, or validates a configuration file without starting anything.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
