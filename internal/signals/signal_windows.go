package signals

import (
	"os"

	"golang.org/x/sys/windows"
)

// Platform specific signal synonyms
var (
	Interrupt os.Signal = windows.SIGINT
	Term      os.Signal = windows.SIGTERM
	Hup       os.Signal = windows.SIGHUP
)
