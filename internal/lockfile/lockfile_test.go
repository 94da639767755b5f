package lockfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leafo/blackkeys/internal/assert"
)

func TestSingleUse(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "sub", "blackkeys.lock")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	lf, err := Create(ctx, fname)
	assert.NilErr(t, err)

	b, err := os.ReadFile(fname)
	assert.NilErr(t, err)
	if !strings.HasPrefix(string(b), "PID=") {
		t.Fatalf("unexpected lock file contents %q", b)
	}
	assert.NilErr(t, lf.Close())
}

// TestSecondInstanceBlocks checks that a second holder waits until the first
// one releases the lock.
func TestSecondInstanceBlocks(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "blackkeys.lock")
	testCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	lf, err := Create(testCtx, fname)
	assert.NilErr(t, err)

	ctx2, cancel2 := context.WithTimeout(testCtx, 50*time.Millisecond)
	defer cancel2()
	_, err = Create(ctx2, fname)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	cf, cerr := make(chan *LockFile), make(chan error)
	go func() {
		lf, err := Create(testCtx, fname)
		if err != nil {
			cerr <- err
		} else {
			cf <- lf
		}
	}()
	assert.Chan2NotWritten(t, cf, cerr, 200*time.Millisecond)

	assert.NilErr(t, lf.Close())
	lf2 := assert.ChanWritten(t, cf)
	assert.NilErr(t, lf2.Close())
}
