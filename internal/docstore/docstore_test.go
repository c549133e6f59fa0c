package docstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aguimaraes/bedm/pkg/manifest"
)

const testKeyDigits = "35160751013233000402580010000000391000949083"

func mustKey(t *testing.T) manifest.Key {
	t.Helper()
	key, err := manifest.ParseKey(testKeyDigits)
	require.NoError(t, err)
	return key
}

func TestReadOriginal(t *testing.T) {
	store := NewStore(t.TempDir())
	key := mustKey(t)

	_, err := store.ReadOriginal(key)
	assert.ErrorIs(t, err, ErrNotFound)

	inbox := store.InboxPath(key)
	require.NoError(t, os.MkdirAll(filepath.Dir(inbox), 0o755))
	require.NoError(t, os.WriteFile(inbox, []byte("<MDFe/>"), 0o644))

	data, err := store.ReadOriginal(key)
	require.NoError(t, err)
	assert.Equal(t, "<MDFe/>", string(data))
}

func TestDeleteOriginalIdempotent(t *testing.T) {
	store := NewStore(t.TempDir())
	key := mustKey(t)

	inbox := store.InboxPath(key)
	require.NoError(t, os.MkdirAll(filepath.Dir(inbox), 0o755))
	require.NoError(t, os.WriteFile(inbox, []byte("<MDFe/>"), 0o644))

	require.NoError(t, store.DeleteOriginal(key))
	_, err := os.Stat(inbox)
	assert.ErrorIs(t, err, os.ErrNotExist)

	// A second delete after a crash-and-rerun must also succeed.
	require.NoError(t, store.DeleteOriginal(key))
}

func TestArtifactPlacement(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root)
	key := mustKey(t)

	signed, err := store.WriteSigned(manifest.Staging, key, []byte("<MDFe signed/>"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "staging", "2016", testKeyDigits+"-mdfe-signed.xml"), signed)

	back, err := store.ReadSigned(manifest.Staging, key)
	require.NoError(t, err)
	assert.Equal(t, "<MDFe signed/>", string(back))

	_, err = store.ReadSigned(manifest.Production, key)
	assert.ErrorIs(t, err, ErrNotFound)

	stamped, err := store.WriteStamped(manifest.Staging, key, []byte("<mdfeProc/>"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "staging", "2016", testKeyDigits+"-protMDFe.xml"), stamped)

	ret, err := store.WriteEventResponse(manifest.Production, key, EventCancel, []byte("<retEventoMDFe/>"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "production", "2016", testKeyDigits+"-evCancMDFe-ret.xml"), ret)

	data, err := os.ReadFile(stamped)
	require.NoError(t, err)
	assert.Equal(t, "<mdfeProc/>", string(data))
}
