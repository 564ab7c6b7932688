package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/noetl/noetl/common/db"
)

// Entry is one stored playbook document
type Entry struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Content string `json:"content"`
}

// Catalog resolves playbook paths to YAML content. The broker only
// consumes FetchEntry; registration is an administrative concern.
type Catalog interface {
	FetchEntry(ctx context.Context, path, version string) (*Entry, error)
}

// TableCatalog is a Postgres-backed catalog
type TableCatalog struct {
	db *db.DB
}

// NewTableCatalog creates a catalog over the catalog table
func NewTableCatalog(database *db.DB) *TableCatalog {
	return &TableCatalog{db: database}
}

// FetchEntry returns the playbook at (path, version). Version "latest" or
// "" resolves to the most recently registered version.
func (c *TableCatalog) FetchEntry(ctx context.Context, path, version string) (*Entry, error) {
	var query string
	var args []interface{}
	if version == "" || version == "latest" {
		query = `
			SELECT path, version, content FROM catalog
			WHERE path = $1
			ORDER BY created_at DESC
			LIMIT 1
		`
		args = []interface{}{path}
	} else {
		query = `SELECT path, version, content FROM catalog WHERE path = $1 AND version = $2`
		args = []interface{}{path, version}
	}

	var entry Entry
	err := c.db.QueryRow(ctx, query, args...).Scan(&entry.Path, &entry.Version, &entry.Content)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("playbook not found: %s@%s", path, version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch catalog entry: %w", err)
	}
	return &entry, nil
}

// Register stores a playbook document, idempotent per (path, version)
func (c *TableCatalog) Register(ctx context.Context, entry *Entry) error {
	query := `
		INSERT INTO catalog (path, version, content)
		VALUES ($1, $2, $3)
		ON CONFLICT (path, version) DO UPDATE SET content = EXCLUDED.content
	`
	_, err := c.db.Exec(ctx, query, entry.Path, entry.Version, entry.Content)
	if err != nil {
		return fmt.Errorf("failed to register playbook %s@%s: %w", entry.Path, entry.Version, err)
	}
	return nil
}

// MemoryCatalog is an in-memory catalog for tests and local runs
type MemoryCatalog struct {
	entries map[string]*Entry
	mu      sync.RWMutex
}

// NewMemoryCatalog creates an empty in-memory catalog
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{entries: make(map[string]*Entry)}
}

// Register stores an entry
func (c *MemoryCatalog) Register(entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.Path+"@"+entry.Version] = entry
	c.entries[entry.Path+"@latest"] = entry
}

// FetchEntry resolves an entry
func (c *MemoryCatalog) FetchEntry(ctx context.Context, path, version string) (*Entry, error) {
	if version == "" {
		version = "latest"
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[path+"@"+version]
	if !ok {
		return nil, fmt.Errorf("playbook not found: %s@%s", path, version)
	}
	return entry, nil
}
