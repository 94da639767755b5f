package testutils

import (
	"os"
	"testing"
)

// TempTestDir returns a temp dir for a test that only gets cleaned up if the
// test does not fail.
func TempTestDir(t testing.TB, prefix string) string {
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if !t.Failed() {
			err := os.RemoveAll(dir)
			if err != nil {
				t.Logf("Unable to remove temp dir %s: %v", dir, err)
			}
		} else {
			t.Logf("Test data dir: %s", dir)
		}
	})

	return dir
}
