// Package lockfile keeps two processes from sharing a data directory.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rogpeppe/go-internal/lockedfile"
)

// LockFile is a held lock on a file.
type LockFile struct {
	f *lockedfile.File
}

// Close releases the lock.
func (lf *LockFile) Close() error {
	if lf.f == nil {
		return errors.New("nil internal locked file")
	}
	return lf.f.Close()
}

// Create takes the lock on filePath, blocking until it is available or ctx
// is done. The pid and host of the holder are written to the file.
func Create(ctx context.Context, filePath string) (*LockFile, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
		return nil, err
	}
	cf := make(chan *lockedfile.File)
	cerr := make(chan error)
	go func() {
		f, err := lockedfile.Create(filePath)
		if err != nil {
			cerr <- err
		} else {
			cf <- f
		}
	}()

	select {
	case f := <-cf:
		// Write errors only make the file less useful for debugging.
		fmt.Fprintf(f, "PID=%d\n", os.Getpid())
		host, _ := os.Hostname()
		fmt.Fprintf(f, "Host=%q\n", host)
		return &LockFile{f: f}, nil

	case err := <-cerr:
		return nil, err

	case <-ctx.Done():
		// The file may still open later. Release it when it does.
		go func() {
			select {
			case <-cerr:
			case f := <-cf:
				f.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
