// Package inmem provides the in-memory catalog used by tests and the local
// executor profile.
package inmem

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"noetl.io/noetl/runtime/catalog"
	"noetl.io/noetl/runtime/playbook"
)

// Catalog is an in-memory catalog.Catalog.
type Catalog struct {
	mu          sync.RWMutex
	entries     map[string][]*catalog.Entry // path -> versions in order
	credentials map[string]*catalog.Credential
	now         func() time.Time
}

var _ catalog.Catalog = (*Catalog)(nil)

// New creates an empty in-memory catalog.
func New() *Catalog {
	return &Catalog{
		entries:     make(map[string][]*catalog.Entry),
		credentials: make(map[string]*catalog.Credential),
		now:         time.Now,
	}
}

// Register implements catalog.Catalog.
func (c *Catalog) Register(_ context.Context, raw []byte) (*catalog.Entry, error) {
	pb, err := playbook.Decode(raw)
	if err != nil {
		return nil, err
	}
	hash := catalog.Hash(raw)

	c.mu.Lock()
	defer c.mu.Unlock()

	versions := c.entries[pb.Metadata.Path]
	if n := len(versions); n > 0 && versions[n-1].Hash == hash {
		return versions[n-1], nil
	}
	entry := &catalog.Entry{
		Path:      pb.Metadata.Path,
		Version:   strconv.Itoa(len(versions) + 1),
		Hash:      hash,
		Raw:       append([]byte(nil), raw...),
		Playbook:  pb,
		CreatedAt: c.now().UTC(),
	}
	c.entries[pb.Metadata.Path] = append(versions, entry)
	return entry, nil
}

// Lookup implements catalog.Catalog.
func (c *Catalog) Lookup(_ context.Context, path, version string) (*catalog.Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	versions := c.entries[path]
	if len(versions) == 0 {
		return nil, catalog.ErrNotFound
	}
	if version == "" || version == catalog.VersionLatest {
		return versions[len(versions)-1], nil
	}
	for _, e := range versions {
		if e.Version == version {
			return e, nil
		}
	}
	return nil, catalog.ErrNotFound
}

// List implements catalog.Catalog.
func (c *Catalog) List(_ context.Context, pathPrefix string) ([]*catalog.Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*catalog.Entry
	for path, versions := range c.entries {
		if pathPrefix != "" && !strings.HasPrefix(path, pathPrefix) {
			continue
		}
		out = append(out, versions[len(versions)-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// PutCredential implements catalog.Catalog.
func (c *Catalog) PutCredential(_ context.Context, cred *catalog.Credential) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := *cred
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = c.now().UTC()
	}
	c.credentials[cred.Name] = &stored
	return nil
}

// Credential implements catalog.Catalog.
func (c *Catalog) Credential(_ context.Context, name string) (*catalog.Credential, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cred, ok := c.credentials[name]
	if !ok {
		return nil, catalog.ErrCredentialNotFound
	}
	return cred, nil
}
