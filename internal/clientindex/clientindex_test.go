package clientindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientIndex_UpdateLastWriterWins(t *testing.T) {
	idx := New()

	idx.Update("org-a", "dev-1", "tcp://1.1.1.1:9000", 10)
	url, ok := idx.GetURL("org-a", "dev-1")
	require.True(t, ok)
	require.Equal(t, "tcp://1.1.1.1:9000", url)

	// Older timestamp is ignored.
	idx.Update("org-a", "dev-1", "tcp://2.2.2.2:9000", 5)
	url, _ = idx.GetURL("org-a", "dev-1")
	require.Equal(t, "tcp://1.1.1.1:9000", url)

	// Strictly newer timestamp wins.
	idx.Update("org-a", "dev-1", "tcp://3.3.3.3:9000", 11)
	url, _ = idx.GetURL("org-a", "dev-1")
	require.Equal(t, "tcp://3.3.3.3:9000", url)

	// Equal timestamp does not overwrite.
	idx.Update("org-a", "dev-1", "tcp://4.4.4.4:9000", 11)
	url, _ = idx.GetURL("org-a", "dev-1")
	require.Equal(t, "tcp://3.3.3.3:9000", url)
}

func TestClientIndex_RemoveOnlyIfURLMatches(t *testing.T) {
	idx := New()
	idx.Update("org-a", "dev-1", "tcp://1.1.1.1:9000", 1)

	// A superseding session's remove, racing in with an older URL, must not
	// clobber the newer entry.
	idx.Update("org-a", "dev-1", "tcp://2.2.2.2:9000", 2)
	idx.Remove("org-a", "dev-1", "tcp://1.1.1.1:9000")

	url, ok := idx.GetURL("org-a", "dev-1")
	require.True(t, ok)
	require.Equal(t, "tcp://2.2.2.2:9000", url)

	idx.Remove("org-a", "dev-1", "tcp://2.2.2.2:9000")
	_, ok = idx.GetURL("org-a", "dev-1")
	require.False(t, ok)
}

func TestClientIndex_List(t *testing.T) {
	idx := New()
	idx.Update("org-a", "dev-1", "tcp://1.1.1.1:9000", 1)
	idx.Update("org-a", "dev-2", "tcp://2.2.2.2:9000", 1)
	idx.Update("org-b", "dev-3", "tcp://3.3.3.3:9000", 1)

	got := idx.List("org-a")
	require.Len(t, got, 2)
	require.Nil(t, idx.List("org-c"))
}

func TestClientIndex_WeakRefUpgradesWhileAlive(t *testing.T) {
	idx := New()
	idx.Update("org-a", "dev-1", "tcp://1.1.1.1:9000", 1)

	w := idx.WeakRef()
	upgraded := w.Value()
	require.NotNil(t, upgraded)
	require.Same(t, idx, upgraded)

	url, ok := upgraded.GetURL("org-a", "dev-1")
	require.True(t, ok)
	require.Equal(t, "tcp://1.1.1.1:9000", url)
}
