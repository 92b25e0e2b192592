package monitor

import "os"

// openFile opens path for append, creating it if necessary -- the
// log-reopen half of the monitor contract. Opened read/write so the
// collector can read back an existing header to validate it on reopen,
// not just append new records.
func openFile(path string) (LogHandle, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
}
