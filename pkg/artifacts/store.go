package artifacts

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/regen-network/koi/pkg/identity"
)

// Store defines the contract for content-addressed byte storage: putBytes /
// getBytes per §4.2. Keys are full CID strings (cid:sha256:<hex64>).
type Store interface {
	// Store persists data and returns its CID. Idempotent: if the CID
	// already exists, the bytes are not rewritten.
	Store(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by CID.
	Get(ctx context.Context, cid string) ([]byte, error)
	// Exists checks if a CID is present.
	Exists(ctx context.Context, cid string) (bool, error)
	// Delete removes bytes for a CID. Does not touch the RID index.
	Delete(ctx context.Context, cid string) error
}

// FileStore is a filesystem-backed CAS implementation.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a new CAS store at the specified directory.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: 0755 is intentional for shared artifact directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Store(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cid := identity.HashCID(data)
	_, digest := splitCID(string(cid))
	path := filepath.Join(s.baseDir, digest+".blob")

	// Atomic write, idempotent: identical bytes always produce the same
	// CID and at most one physical write.
	if _, err := os.Stat(path); err == nil {
		return string(cid), nil
	}

	tmpPath := path + ".tmp"
	//nolint:gosec // G306: 0644 is intentional for readable blob files
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}

	return string(cid), nil
}

func (s *FileStore) Get(ctx context.Context, cid string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, digest, err := parseCID(cid)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(s.baseDir, digest+".blob")

	f, err := os.Open(path) //nolint:gosec // digest validated as hex by parseCID
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact not found: %s", cid)
		}
		return nil, err
	}
	defer f.Close() //nolint:errcheck // best-effort close

	return io.ReadAll(f)
}

func (s *FileStore) Exists(ctx context.Context, cid string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, digest, err := parseCID(cid)
	if err != nil {
		return false, err
	}
	path := filepath.Join(s.baseDir, digest+".blob")
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *FileStore) Delete(ctx context.Context, cid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, digest, err := parseCID(cid)
	if err != nil {
		return err
	}
	path := filepath.Join(s.baseDir, digest+".blob")
	err = os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// parseCID validates and decomposes a "cid:sha256:<hex64>" string.
func parseCID(cid string) (alg, digest string, err error) {
	alg, digest = splitCID(cid)
	if alg != "sha256" || len(digest) != 64 {
		return "", "", fmt.Errorf("invalid cid format: %s", cid)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", "", fmt.Errorf("invalid cid hex: %w", err)
	}
	return alg, digest, nil
}

func splitCID(cid string) (alg, digest string) {
	const prefix = "cid:"
	if len(cid) < len(prefix) || cid[:len(prefix)] != prefix {
		return "", ""
	}
	rest := cid[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' {
			return rest[:i], rest[i+1:]
		}
	}
	return "", ""
}
