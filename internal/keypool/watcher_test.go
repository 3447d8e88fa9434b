package keypool

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherEmitsOnWrite(t *testing.T) {
	path := writeKeysFile(t, "sk-a\n")

	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("sk-a\nsk-b\n"), 0o600))

	select {
	case <-w.Events:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a watcher event after rewriting the keys file")
	}
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	path := writeKeysFile(t, "sk-a\n")

	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer w.Close()

	sibling := path + ".other"
	require.NoError(t, os.WriteFile(sibling, []byte("noise"), 0o600))

	select {
	case <-w.Events:
		t.Fatal("sibling file changes must not trigger a reload")
	case <-time.After(200 * time.Millisecond):
	}
}
