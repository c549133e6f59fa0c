// Package docstore manages the filesystem artifacts of a manifest:
// the inbox original, the signed copy, the stamped legal proof and
// raw event responses.
//
// Layout under the configured root:
//
//	<root>/inbox/<key>-mdfe.xml                       original, pre-signing
//	<root>/<env>/<year>/<key>-mdfe-signed.xml         signed document
//	<root>/<env>/<year>/<key>-protMDFe.xml            stamped mdfeProc
//	<root>/<env>/<year>/<key>-<event>-ret.xml         raw event response
//
// The year is the issuance year carried in the access key. Directories
// are created on demand.
package docstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/aguimaraes/bedm/pkg/manifest"
)

// ErrNotFound indicates the inbox original for a key does not exist.
var ErrNotFound = errors.New("original document not found")

// Event response artifact names.
const (
	EventCancel = "evCancMDFe"
	EventClose  = "evEncMDFe"
)

// Store places manifest artifacts under a root directory.
type Store struct {
	root string
}

// NewStore returns a document store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// InboxPath returns the path of the inbox original for a key. The
// file may or may not exist.
func (s *Store) InboxPath(key manifest.Key) string {
	return filepath.Join(s.root, "inbox", key.String()+"-mdfe.xml")
}

// ReadOriginal reads the inbox original, returning ErrNotFound when
// the document was never dropped or has already been consumed.
func (s *Store) ReadOriginal(key manifest.Key) ([]byte, error) {
	data, err := os.ReadFile(s.InboxPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading original: %w", err)
	}
	return data, nil
}

// DeleteOriginal removes the inbox original. Deleting a document that
// is already gone is not an error, so a re-run after a crash between
// stamping and deletion converges.
func (s *Store) DeleteOriginal(key manifest.Key) error {
	err := os.Remove(s.InboxPath(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting original: %w", err)
	}
	return nil
}

// WriteSigned persists the signed document and returns its path.
func (s *Store) WriteSigned(env manifest.Environment, key manifest.Key, data []byte) (string, error) {
	return s.write(env, key, key.String()+"-mdfe-signed.xml", data)
}

// ReadSigned reads back the signed document, returning ErrNotFound
// when it was never written. A later process resuming a pending
// receipt needs it for stamping.
func (s *Store) ReadSigned(env manifest.Environment, key manifest.Key) ([]byte, error) {
	path := filepath.Join(s.root, env.String(), strconv.Itoa(key.Year()), key.String()+"-mdfe-signed.xml")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading signed document: %w", err)
	}
	return data, nil
}

// WriteStamped persists the stamped mdfeProc artifact and returns its
// path. The caller must not delete the original before this returns.
func (s *Store) WriteStamped(env manifest.Environment, key manifest.Key, data []byte) (string, error) {
	return s.write(env, key, key.String()+"-protMDFe.xml", data)
}

// WriteEventResponse persists the raw clearinghouse response for an
// event (EventCancel or EventClose) and returns its path.
func (s *Store) WriteEventResponse(env manifest.Environment, key manifest.Key, event string, data []byte) (string, error) {
	return s.write(env, key, fmt.Sprintf("%s-%s-ret.xml", key, event), data)
}

func (s *Store) write(env manifest.Environment, key manifest.Key, name string, data []byte) (string, error) {
	dir := filepath.Join(s.root, env.String(), strconv.Itoa(key.Year()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating artifact directory: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", name, err)
	}
	return path, nil
}
