package master

import (
	"fmt"
	"os"
	"strconv"
)

// PIDFile is a scoped acquisition of the master's pidfile: created with
// exclusive semantics at Acquire, deleted on every exit path via Release.
type PIDFile struct {
	path string
}

// AcquirePIDFile creates path exclusively and writes the current pid into
// it. An empty path means no pidfile is wanted; Acquire then returns a
// PIDFile whose Release is a no-op. A pre-existing file is contention: the
// caller should treat the returned error as a usage-style failure.
func AcquirePIDFile(path string) (*PIDFile, error) {
	if path == "" {
		return &PIDFile{}, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("pidfile %s already exists", path)
		}
		return nil, fmt.Errorf("cannot create pidfile %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(os.Getpid()) + "\n"); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("cannot write pidfile %s: %w", path, err)
	}

	return &PIDFile{path: path}, nil
}

// Release removes the pidfile. Safe to call more than once.
func (p *PIDFile) Release() {
	if p == nil || p.path == "" {
		return
	}
	_ = os.Remove(p.path)
	p.path = ""
}
