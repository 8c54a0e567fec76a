// Package mongo implements the playbook and credential catalog on MongoDB.
//
// Playbook versions are immutable documents keyed by (path, version) with a
// unique index; concurrent registrations race on the index and the loser
// retries against the new latest version. Credentials are upserted by name.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"noetl.io/noetl/runtime/catalog"
	"noetl.io/noetl/runtime/playbook"
)

// Collection names.
const (
	playbookCollection   = "noetl_playbooks"
	credentialCollection = "noetl_credentials"
)

const defaultTimeout = 5 * time.Second

type (
	// Config assembles the Mongo catalog's dependencies.
	Config struct {
		// URI is the MongoDB connection string. Required unless Client is set.
		URI string
		// Client overrides the Mongo client, e.g. one shared across stores.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
	}

	// Catalog is the MongoDB catalog.Catalog.
	Catalog struct {
		client      *mongodriver.Client
		ownClient   bool
		playbooks   *mongodriver.Collection
		credentials *mongodriver.Collection
		timeout     time.Duration
		now         func() time.Time
	}

	playbookDoc struct {
		Path      string    `bson:"path"`
		Version   int       `bson:"version"`
		Hash      string    `bson:"hash"`
		Raw       string    `bson:"raw"`
		CreatedAt time.Time `bson:"created_at"`
	}

	credentialDoc struct {
		Name      string    `bson:"_id"`
		Kind      string    `bson:"kind,omitempty"`
		Payload   string    `bson:"payload"`
		CreatedAt time.Time `bson:"created_at"`
	}
)

var _ catalog.Catalog = (*Catalog)(nil)

// New connects, ensures the indexes and returns the catalog.
func New(ctx context.Context, cfg Config) (*Catalog, error) {
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongo catalog: Config.Database is required")
	}
	client := cfg.Client
	ownClient := false
	if client == nil {
		if cfg.URI == "" {
			return nil, fmt.Errorf("mongo catalog: Config.URI or Config.Client is required")
		}
		c, err := mongodriver.Connect(options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, fmt.Errorf("mongo catalog: connect: %w", err)
		}
		client = c
		ownClient = true
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	db := client.Database(cfg.Database)
	c := &Catalog{
		client:      client,
		ownClient:   ownClient,
		playbooks:   db.Collection(playbookCollection),
		credentials: db.Collection(credentialCollection),
		timeout:     timeout,
		now:         time.Now,
	}
	if err := c.ensureIndexes(ctx); err != nil {
		if ownClient {
			_ = client.Disconnect(context.Background())
		}
		return nil, err
	}
	return c, nil
}

// Close disconnects the client when the catalog owns it.
func (c *Catalog) Close(ctx context.Context) error {
	if !c.ownClient {
		return nil
	}
	return c.client.Disconnect(ctx)
}

func (c *Catalog) ensureIndexes(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.playbooks.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "path", Value: 1}, {Key: "version", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongo catalog: ensure indexes: %w", err)
	}
	return nil
}

func (c *Catalog) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// Register implements catalog.Catalog. The (path, version) unique index
// arbitrates concurrent registrations; the loser re-reads the latest version
// and retries.
func (c *Catalog) Register(ctx context.Context, raw []byte) (*catalog.Entry, error) {
	pb, err := playbook.Decode(raw)
	if err != nil {
		return nil, err
	}
	hash := catalog.Hash(raw)

	for {
		latest, err := c.latest(ctx, pb.Metadata.Path)
		if err != nil {
			return nil, err
		}
		next := 1
		if latest != nil {
			if latest.Hash == hash {
				return c.entry(latest)
			}
			next = latest.Version + 1
		}
		doc := playbookDoc{
			Path:      pb.Metadata.Path,
			Version:   next,
			Hash:      hash,
			Raw:       string(raw),
			CreatedAt: c.now().UTC(),
		}
		opCtx, cancel := c.withTimeout(ctx)
		_, err = c.playbooks.InsertOne(opCtx, doc)
		cancel()
		if mongodriver.IsDuplicateKeyError(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("mongo catalog: register: %w", err)
		}
		return c.entry(&doc)
	}
}

// latest returns the highest-version document for the path, nil when the
// path is unknown.
func (c *Catalog) latest(ctx context.Context, path string) (*playbookDoc, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc playbookDoc
	err := c.playbooks.FindOne(ctx,
		bson.M{"path": path},
		options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}}),
	).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongo catalog: find latest: %w", err)
	}
	return &doc, nil
}

// entry decodes a stored document into a catalog entry.
func (c *Catalog) entry(doc *playbookDoc) (*catalog.Entry, error) {
	pb, err := playbook.Decode([]byte(doc.Raw))
	if err != nil {
		return nil, fmt.Errorf("mongo catalog: stored document at %s@%d no longer decodes: %w", doc.Path, doc.Version, err)
	}
	return &catalog.Entry{
		Path:      doc.Path,
		Version:   strconv.Itoa(doc.Version),
		Hash:      doc.Hash,
		Raw:       []byte(doc.Raw),
		Playbook:  pb,
		CreatedAt: doc.CreatedAt,
	}, nil
}

// Lookup implements catalog.Catalog.
func (c *Catalog) Lookup(ctx context.Context, path, version string) (*catalog.Entry, error) {
	if version == "" || version == catalog.VersionLatest {
		doc, err := c.latest(ctx, path)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, catalog.ErrNotFound
		}
		return c.entry(doc)
	}
	n, err := strconv.Atoi(version)
	if err != nil {
		return nil, catalog.ErrNotFound
	}
	opCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc playbookDoc
	err = c.playbooks.FindOne(opCtx, bson.M{"path": path, "version": n}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, catalog.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo catalog: lookup: %w", err)
	}
	return c.entry(&doc)
}

// List implements catalog.Catalog. An aggregation keeps only the highest
// version per path.
func (c *Catalog) List(ctx context.Context, pathPrefix string) ([]*catalog.Entry, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	match := bson.M{}
	if pathPrefix != "" {
		match["path"] = bson.M{"$regex": "^" + regexQuote(pathPrefix)}
	}
	cursor, err := c.playbooks.Aggregate(ctx, mongodriver.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$sort", Value: bson.D{{Key: "path", Value: 1}, {Key: "version", Value: -1}}}},
		{{Key: "$group", Value: bson.M{"_id": "$path", "doc": bson.M{"$first": "$$ROOT"}}}},
		{{Key: "$replaceRoot", Value: bson.M{"newRoot": "$doc"}}},
		{{Key: "$sort", Value: bson.D{{Key: "path", Value: 1}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("mongo catalog: list: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*catalog.Entry
	for cursor.Next(ctx) {
		var doc playbookDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo catalog: decode: %w", err)
		}
		entry, err := c.entry(&doc)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("mongo catalog: list: %w", err)
	}
	return out, nil
}

// PutCredential implements catalog.Catalog.
func (c *Catalog) PutCredential(ctx context.Context, cred *catalog.Credential) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	createdAt := cred.CreatedAt
	if createdAt.IsZero() {
		createdAt = c.now().UTC()
	}
	doc := credentialDoc{
		Name:      cred.Name,
		Kind:      cred.Kind,
		Payload:   string(cred.Payload),
		CreatedAt: createdAt,
	}
	_, err := c.credentials.ReplaceOne(ctx,
		bson.M{"_id": cred.Name},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo catalog: put credential: %w", err)
	}
	return nil
}

// Credential implements catalog.Catalog.
func (c *Catalog) Credential(ctx context.Context, name string) (*catalog.Credential, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc credentialDoc
	err := c.credentials.FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, catalog.ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo catalog: credential: %w", err)
	}
	return &catalog.Credential{
		Name:      doc.Name,
		Kind:      doc.Kind,
		Payload:   json.RawMessage(doc.Payload),
		CreatedAt: doc.CreatedAt,
	}, nil
}

// regexQuote escapes regex metacharacters in a literal path prefix.
func regexQuote(s string) string {
	const meta = `\.+*?()|[]{}^$`
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if b := s[i]; b < 0x80 {
			for j := 0; j < len(meta); j++ {
				if b == meta[j] {
					out = append(out, '\\')
					break
				}
			}
		}
		out = append(out, s[i])
	}
	return string(out)
}
