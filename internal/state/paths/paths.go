package paths

import (
	"os"
	"path/filepath"
	"sync"
)

const defaultBusDir = "/var/run/appdatabackupd/bus"

var (
	busDir string
	once   sync.Once
)

func resolveBusDir() {
	candidate := os.Getenv("APPDATABACKUP_BUS_DIR")
	if candidate == "" {
		candidate = defaultBusDir
	}
	busDir = filepath.Clean(candidate)
}

// BusDir returns the directory holding service sockets and name locks.
func BusDir() string {
	once.Do(resolveBusDir)
	return busDir
}

// SetBusDirForTest resets the cached directory so tests can override APPDATABACKUP_BUS_DIR.
func SetBusDirForTest(dir string) {
	if dir != "" {
		os.Setenv("APPDATABACKUP_BUS_DIR", dir)
	}
	busDir = ""
	once = sync.Once{}
}
