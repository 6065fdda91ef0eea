// Package localblob is a local-disk implementation of the external
// blobstore.Store, proactive.Transport, and locationstore.Peer contracts,
// mirroring the sharded-file-plus-badger-index pattern used by
// internal/checkpoint's LocalCentralStore. locationd itself never depends
// on this package; cmd/locationd wires it in as the collaborator a
// single-machine or development deployment needs, in place of whatever
// blob store and transfer RPC layer a real cluster would supply.
package localblob

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/locationd/pkg/blobstore"
	"github.com/i5heu/locationd/pkg/locationstore"
	"github.com/i5heu/locationd/pkg/model"
	"github.com/i5heu/locationd/pkg/proactive"
)

type meta struct {
	Size          int64     `json:"size"`
	LastAccessUTC time.Time `json:"lastAccessUtc"`
}

// Store is a filesystem-backed blob store keyed by content hash, with a
// badger index tracking size and last-access time.
type Store struct {
	dir string
	db  *badger.DB
	log *logrus.Logger

	mu sync.Mutex
}

var (
	_ blobstore.Store    = (*Store)(nil)
	_ locationstore.Peer = (*Store)(nil)
)

// New opens (or creates) a local blob store rooted at dataDir.
func New(dataDir string, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.New()
	}
	blobDir := filepath.Join(dataDir, "blobs")
	if err := os.MkdirAll(blobDir, 0o700); err != nil {
		return nil, fmt.Errorf("localblob: mkdir %s: %w", blobDir, err)
	}
	opts := badger.DefaultOptions(filepath.Join(dataDir, "blobmeta"))
	opts.Logger = nil
	opts.SyncWrites = false
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("localblob: open meta index: %w", err)
	}
	return &Store{dir: dataDir, db: db, log: log}, nil
}

// Close releases the underlying badger index.
func (s *Store) Close() error {
	return s.db.Close()
}

func encodeHash(h model.ContentHash) string {
	return fmt.Sprintf("%016x%s", h.Code, hex.EncodeToString(h.Digest[:]))
}

func decodeHash(name string) (model.ContentHash, error) {
	if len(name) != 16+64 {
		return model.ContentHash{}, fmt.Errorf("localblob: bad blob file name %q", name)
	}
	var h model.ContentHash
	codeBytes, err := hex.DecodeString(name[:16])
	if err != nil {
		return model.ContentHash{}, err
	}
	for _, b := range codeBytes {
		h.Code = h.Code<<8 | uint64(b)
	}
	digest, err := hex.DecodeString(name[16:])
	if err != nil {
		return model.ContentHash{}, err
	}
	copy(h.Digest[:], digest)
	return h, nil
}

func (s *Store) blobPath(h model.ContentHash) string {
	name := encodeHash(h)
	return filepath.Join(s.dir, "blobs", name[:2], name)
}

func (s *Store) metaKey(h model.ContentHash) []byte {
	return []byte("meta:" + encodeHash(h))
}

func (s *Store) readMeta(h model.ContentHash) (meta, bool, error) {
	var m meta
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.metaKey(h))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			found = true
			return json.Unmarshal(v, &m)
		})
	})
	return m, found, err
}

func (s *Store) writeMeta(h model.ContentHash, m meta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.metaKey(h), raw)
	})
}

func (s *Store) touch(h model.ContentHash) {
	m, ok, err := s.readMeta(h)
	if err != nil {
		return
	}
	if !ok {
		m = meta{}
	}
	m.LastAccessUTC = time.Now().UTC()
	_ = s.writeMeta(h, m)
}

// PutStream writes r's bytes to disk under h and records its size.
func (s *Store) PutStream(ctx context.Context, h model.ContentHash, r io.Reader) error {
	path := s.blobPath(h)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("localblob: mkdir for %s: %w", h, err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("localblob: create %s: %w", h, err)
	}
	n, err := io.Copy(f, r)
	closeErr := f.Close()
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("localblob: write %s: %w", h, err)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return fmt.Errorf("localblob: close %s: %w", h, closeErr)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("localblob: rename %s: %w", h, err)
	}
	return s.writeMeta(h, meta{Size: n, LastAccessUTC: time.Now().UTC()})
}

// PutFile copies the file at path into the store under h.
func (s *Store) PutFile(ctx context.Context, h model.ContentHash, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("localblob: open %s: %w", path, err)
	}
	defer f.Close()
	return s.PutStream(ctx, h, f)
}

// OpenStream returns a reader over h's bytes, touching its last-access time.
func (s *Store) OpenStream(ctx context.Context, h model.ContentHash) (io.ReadCloser, error) {
	f, err := os.Open(s.blobPath(h))
	if err != nil {
		return nil, fmt.Errorf("localblob: open %s: %w", h, err)
	}
	s.touch(h)
	return f, nil
}

// PlaceFile copies h's bytes to destPath.
func (s *Store) PlaceFile(ctx context.Context, h model.ContentHash, destPath string) error {
	src, err := s.OpenStream(ctx, h)
	if err != nil {
		return err
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(destPath), 0o700); err != nil {
		return fmt.Errorf("localblob: mkdir for %s: %w", destPath, err)
	}
	dst, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("localblob: create %s: %w", destPath, err)
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

// Pin touches h so it looks recently used; this local store has no
// separate pin bit, matching the "development backend" scope of this
// package.
func (s *Store) Pin(ctx context.Context, h model.ContentHash) error {
	s.touch(h)
	return nil
}

// Delete removes h's blob file and metadata entry.
func (s *Store) Delete(ctx context.Context, h model.ContentHash) error {
	if err := os.Remove(s.blobPath(h)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("localblob: remove %s: %w", h, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.metaKey(h))
	})
}

// EnumerateLocalHashes walks the blob tree and decodes every stored hash.
func (s *Store) EnumerateLocalHashes(ctx context.Context) ([]model.ContentHash, error) {
	root := filepath.Join(s.dir, "blobs")
	var out []model.ContentHash
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) == ".tmp" {
			return nil
		}
		h, decErr := decodeHash(d.Name())
		if decErr != nil {
			return nil
		}
		out = append(out, h)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("localblob: walk %s: %w", root, err)
	}
	return out, nil
}

// LastAccessTime returns h's recorded last-access time.
func (s *Store) LastAccessTime(ctx context.Context, h model.ContentHash) (time.Time, error) {
	m, ok, err := s.readMeta(h)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, fmt.Errorf("localblob: no metadata for %s", h)
	}
	return m.LastAccessUTC, nil
}

// Size returns h's recorded byte size.
func (s *Store) Size(ctx context.Context, h model.ContentHash) (int64, error) {
	m, ok, err := s.readMeta(h)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("localblob: no metadata for %s", h)
	}
	return m.Size, nil
}

// HasFile implements locationstore.Peer by checking for a local blob.
func (s *Store) HasFile(ctx context.Context, h model.ContentHash) (bool, error) {
	_, err := os.Stat(s.blobPath(h))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// FetchFile implements locationstore.Peer by reading a local blob whole.
func (s *Store) FetchFile(ctx context.Context, h model.ContentHash) ([]byte, error) {
	r, err := s.OpenStream(ctx, h)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// LoopbackTransport implements proactive.Transport for single-machine
// deployments where there is no other cluster peer to actually transfer
// bytes to or from. A multi-machine deployment supplies a real
// network-backed Transport instead; wiring one in is out of this
// package's scope.
type LoopbackTransport struct {
	log *logrus.Logger
}

var _ proactive.Transport = (*LoopbackTransport)(nil)

// NewLoopbackTransport builds a Transport stub that always rejects,
// since there is nowhere for a single-machine deployment to copy to.
func NewLoopbackTransport(log *logrus.Logger) *LoopbackTransport {
	if log == nil {
		log = logrus.New()
	}
	return &LoopbackTransport{log: log}
}

func (t *LoopbackTransport) PushTo(ctx context.Context, target model.MachineID, h model.ContentHash) error {
	return fmt.Errorf("localblob: no transport configured to reach machine %d", target)
}

func (t *LoopbackTransport) PullFrom(ctx context.Context, source model.MachineID, h model.ContentHash) error {
	return fmt.Errorf("localblob: no transport configured to reach machine %d", source)
}

func (t *LoopbackTransport) EvictionPressure(ctx context.Context, target model.MachineID) (float64, error) {
	return 0, fmt.Errorf("localblob: no transport configured to reach machine %d", target)
}
