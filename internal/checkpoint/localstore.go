// Package checkpoint implements the Checkpoint Store: a local-disk Central
// Store (badger manifest index + lzma-compressed file blobs), and the
// master-side Producer / worker-side Consumer roles of spec §4.4.
//
// No object-storage SDK exists anywhere in the retrieved example pack, so
// the Central Store is backed by the local filesystem plus a badger index,
// in the teacher's own persistence idiom, rather than a hand-rolled
// network client for a service the corpus never shows.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz/lzma"

	pkgcheckpoint "github.com/i5heu/locationd/pkg/checkpoint"
	"github.com/i5heu/locationd/pkg/model"
)

func manifestKey(checkpointsKey string, seq uint64) []byte {
	return []byte(fmt.Sprintf("checkpoints/%s/%020d.manifest", checkpointsKey, seq))
}

func fileKey(checkpointsKey string, h model.ContentHash) []byte {
	return []byte(fmt.Sprintf("file:%s:%s", checkpointsKey, h.String()))
}

// LocalCentralStore persists checkpoint manifests and lzma-compressed file
// blobs under DataDir/checkpoints, indexed by a dedicated badger instance,
// mirroring the teacher's KeyValStore + storeDataPipeline compression
// idiom.
type LocalCentralStore struct {
	dataDir string
	db      *badger.DB
	log     *logrus.Logger
}

var _ pkgcheckpoint.CentralStore = (*LocalCentralStore)(nil)

// NewLocalCentralStore opens (or creates) the on-disk checkpoint store at
// dataDir, refusing to start below minimumFreeGB of headroom.
func NewLocalCentralStore(dataDir string, minimumFreeGB uint, log *logrus.Logger) (*LocalCentralStore, error) {
	if log == nil {
		log = logrus.New()
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("checkpoint: mkdir %s: %w", dataDir, err)
	}
	if minimumFreeGB > 0 {
		if usage, err := disk.Usage(dataDir); err == nil {
			if usage.Free/(1024*1024*1024) < uint64(minimumFreeGB) {
				return nil, fmt.Errorf("checkpoint: only %dGB free at %s, need %d", usage.Free/(1024*1024*1024), dataDir, minimumFreeGB)
			}
		}
	}

	opts := badger.DefaultOptions(filepath.Join(dataDir, "index"))
	opts.Logger = nil
	opts.SyncWrites = false
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open index: %w", err)
	}

	blobDir := filepath.Join(dataDir, "blobs")
	if err := os.MkdirAll(blobDir, 0o700); err != nil {
		return nil, fmt.Errorf("checkpoint: mkdir %s: %w", blobDir, err)
	}

	return &LocalCentralStore{dataDir: dataDir, db: db, log: log}, nil
}

func (s *LocalCentralStore) blobPath(h model.ContentHash) string {
	name := h.String()
	return filepath.Join(s.dataDir, "blobs", name[:2], name)
}

// PutManifest writes manifest under checkpoints/{checkpointsKey}/{seq}.manifest
// in the badger index, with seq zero-padded to 20 digits.
func (s *LocalCentralStore) PutManifest(ctx context.Context, checkpointsKey string, manifest model.CheckpointManifest) error {
	raw, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal manifest: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(manifestKey(checkpointsKey, manifest.SequenceNumber), raw)
	})
}

// LatestManifest returns the highest-sequence-number manifest stored under
// checkpointsKey.
func (s *LocalCentralStore) LatestManifest(ctx context.Context, checkpointsKey string) (model.CheckpointManifest, error) {
	prefix := []byte(fmt.Sprintf("checkpoints/%s/", checkpointsKey))
	var latest model.CheckpointManifest
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// badger's reverse iteration needs a seek key one past the prefix.
		seekKey := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(raw, &latest); err != nil {
				return err
			}
			found = true
			return nil
		}
		return nil
	})
	if err != nil {
		return model.CheckpointManifest{}, fmt.Errorf("checkpoint: latestManifest: %w", err)
	}
	if !found {
		return model.CheckpointManifest{}, pkgcheckpoint.ErrNotFound
	}
	return latest, nil
}

// HasFile reports whether h's blob is already present, for incremental
// checkpoint reuse.
func (s *LocalCentralStore) HasFile(ctx context.Context, checkpointsKey string, h model.ContentHash) (bool, error) {
	_, err := os.Stat(s.blobPath(h))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checkpoint: stat %s: %w", h, err)
	}
	return true, nil
}

// PutFile writes data's lzma-compressed bytes to disk under h's content
// hash, deduplicating uploads across checkpoints and machines.
func (s *LocalCentralStore) PutFile(ctx context.Context, checkpointsKey string, h model.ContentHash, data []byte) error {
	if has, err := s.HasFile(ctx, checkpointsKey, h); err == nil && has {
		return nil
	}
	compressed, err := compressLzma(data)
	if err != nil {
		return fmt.Errorf("checkpoint: compress %s: %w", h, err)
	}
	path := s.blobPath(h)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("checkpoint: mkdir for %s: %w", h, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o600); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", h, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("checkpoint: rename %s: %w", h, err)
	}
	return nil
}

// GetFile reads and decompresses h's blob.
func (s *LocalCentralStore) GetFile(ctx context.Context, checkpointsKey string, h model.ContentHash) ([]byte, error) {
	compressed, err := os.ReadFile(s.blobPath(h))
	if os.IsNotExist(err) {
		return nil, pkgcheckpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", h, err)
	}
	return decompressLzma(compressed)
}

// Close releases the manifest index.
func (s *LocalCentralStore) Close() error {
	return s.db.Close()
}

func compressLzma(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressLzma(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
