// Package catalog defines the versioned registry of playbooks and
// credentials.
//
// Playbooks are addressed by (path, version) and are immutable once
// registered; registering the same content twice returns the existing
// version instead of minting a new one. Credentials are opaque secret
// records the core never interprets: tool adapters resolve them on the
// worker so secret material stays out of the event log.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"noetl.io/noetl/runtime/playbook"
)

// VersionLatest selects the highest registered version of a playbook.
const VersionLatest = "latest"

// Sentinel errors returned by Catalog implementations.
var (
	// ErrNotFound signals an unknown playbook path or version.
	ErrNotFound = errors.New("catalog: playbook not found")
	// ErrCredentialNotFound signals an unknown credential name.
	ErrCredentialNotFound = errors.New("catalog: credential not found")
)

type (
	// Entry is one registered playbook version.
	Entry struct {
		// Path is the catalog address.
		Path string `json:"path"`
		// Version is the monotonic version within the path, starting at "1".
		Version string `json:"version"`
		// Hash is the hex SHA-256 of the raw document.
		Hash string `json:"hash"`
		// Raw is the registered YAML document.
		Raw []byte `json:"raw"`
		// Playbook is the decoded, validated document.
		Playbook *playbook.Playbook `json:"-"`
		// CreatedAt is the registration time.
		CreatedAt time.Time `json:"created_at"`
	}

	// Credential is an opaque secret record.
	Credential struct {
		// Name identifies the credential.
		Name string `json:"name"`
		// Kind labels the credential shape for tool adapters.
		Kind string `json:"kind,omitempty"`
		// Payload is the secret material, opaque to the core.
		Payload json.RawMessage `json:"payload"`
		// CreatedAt is the registration time.
		CreatedAt time.Time `json:"created_at"`
	}

	// Catalog is the durable playbook and credential registry.
	Catalog interface {
		// Register validates and stores a playbook document, assigning the
		// next version for its path. Registering content identical to the
		// latest version is a no-op returning the existing entry.
		Register(ctx context.Context, raw []byte) (*Entry, error)

		// Lookup returns the entry at (path, version). An empty version or
		// VersionLatest selects the highest registered version.
		Lookup(ctx context.Context, path, version string) (*Entry, error)

		// List returns the latest entry of every path with the given prefix,
		// in path order. An empty prefix lists everything.
		List(ctx context.Context, pathPrefix string) ([]*Entry, error)

		// PutCredential stores or replaces a credential.
		PutCredential(ctx context.Context, c *Credential) error

		// Credential returns the named credential.
		Credential(ctx context.Context, name string) (*Credential, error)
	}
)

// Hash computes the content hash of a playbook document.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
