// Package registry keeps the list of vaults known to the vaultfs command in
// a small bbolt database.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketVaults = []byte("vaults")
	bucketPaths  = []byte("vault_paths")
)

// Sentinel errors returned by registry operations.
var (
	ErrNotFound      = errors.New("vault not registered")
	ErrDuplicateName = errors.New("vault name already registered")
	ErrDuplicatePath = errors.New("vault path already registered")
)

// Entry is one registered vault.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	AddedAt time.Time `json:"added_at"`
}

// Registry is a bbolt-backed name to path index. Names and paths are both
// unique.
type Registry struct {
	db *bolt.DB
}

// Open opens (or creates) the registry database at path.
func Open(path string) (*Registry, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketVaults, bucketPaths} {
			if _, bErr := tx.CreateBucketIfNotExists(b); bErr != nil {
				return fmt.Errorf("create bucket %s: %w", b, bErr)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close closes the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Add registers a vault. The path is stored in absolute form.
func (r *Registry) Add(name, path string) (*Entry, error) {
	if name == "" {
		return nil, errors.New("vault name cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve vault path: %w", err)
	}
	e := &Entry{Name: name, Path: abs, AddedAt: time.Now().UTC()}

	err = r.db.Update(func(tx *bolt.Tx) error {
		vaults := tx.Bucket(bucketVaults)
		paths := tx.Bucket(bucketPaths)
		if vaults.Get([]byte(name)) != nil {
			return ErrDuplicateName
		}
		if paths.Get([]byte(abs)) != nil {
			return ErrDuplicatePath
		}
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		if err := vaults.Put([]byte(name), data); err != nil {
			return err
		}
		return paths.Put([]byte(abs), []byte(name))
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Get returns the entry registered under name.
func (r *Registry) Get(name string) (*Entry, error) {
	var e Entry
	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketVaults).Get([]byte(name))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Resolve maps a registered name to its path. Anything that is not a
// registered name is returned unchanged, so callers can pass either.
func (r *Registry) Resolve(nameOrPath string) (string, error) {
	e, err := r.Get(nameOrPath)
	if errors.Is(err, ErrNotFound) {
		return nameOrPath, nil
	}
	if err != nil {
		return "", err
	}
	return e.Path, nil
}

// Remove unregisters the vault called name. The vault itself is untouched.
func (r *Registry) Remove(name string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		vaults := tx.Bucket(bucketVaults)
		v := vaults.Get([]byte(name))
		if v == nil {
			return ErrNotFound
		}
		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("unmarshal entry: %w", err)
		}
		if err := tx.Bucket(bucketPaths).Delete([]byte(e.Path)); err != nil {
			return err
		}
		return vaults.Delete([]byte(name))
	})
}

// List returns all entries sorted by name.
func (r *Registry) List() ([]Entry, error) {
	var out []Entry
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVaults).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshal entry: %w", err)
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
