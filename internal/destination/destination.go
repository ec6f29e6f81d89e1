// Package destination defines the file protocol export jobs write through and
// a registry of client implementations keyed by destination kind.
//
// Writes are grouped by batch id. Nothing written under a batch id is durable
// until Commit, and committing the same (file, batch id) again replaces the
// earlier bytes, so a resumed job that replays a batch never duplicates data.
package destination

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/NHSDigital/azure-fhir-server/internal/domain"
)

// Destination kinds
const (
	KindFilesystem = "filesystem"
	KindPostgres   = "postgres"
)

// Client is a connection to one destination store for one job
type Client interface {
	// Connect binds the client to a store and a job
	Connect(ctx context.Context, connectionString, jobID string) error
	// CreateFile creates (or reuses) a file and returns its URI
	CreateFile(ctx context.Context, name string) (string, error)
	// OpenFile reopens a file created by an earlier run of the job
	OpenFile(ctx context.Context, fileURI string) error
	// WriteFilePart stages data for fileURI under batchID
	WriteFilePart(ctx context.Context, fileURI string, batchID int64, data []byte) error
	// Commit makes every staged batch durable and visible
	Commit(ctx context.Context) error
	// Close releases the connection and drops uncommitted data
	Close() error
}

// Factory builds an unconnected client
type Factory func(logger *slog.Logger) Client

// Registry maps destination kinds to client factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for kind
func (r *Registry) Register(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// New builds an unconnected client for kind
func (r *Registry) New(kind string, logger *slog.Logger) (Client, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownDestination, kind)
	}
	return factory(logger), nil
}

// Kinds lists the registered kinds in sorted order
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Block is the staged content of one file under one batch id
type Block struct {
	FileURI string
	BatchID int64
	Data    []byte
}

// PendingBlocks buffers uncommitted writes per (file, batch id)
type PendingBlocks struct {
	blocks map[string]map[int64][]byte
	size   int
}

// NewPendingBlocks creates an empty buffer
func NewPendingBlocks() *PendingBlocks {
	return &PendingBlocks{blocks: make(map[string]map[int64][]byte)}
}

// Append adds data to the block of fileURI/batchID
func (p *PendingBlocks) Append(fileURI string, batchID int64, data []byte) {
	byBatch, ok := p.blocks[fileURI]
	if !ok {
		byBatch = make(map[int64][]byte)
		p.blocks[fileURI] = byBatch
	}
	byBatch[batchID] = append(byBatch[batchID], data...)
	p.size += len(data)
}

// Blocks returns the staged blocks ordered by file URI then batch id
func (p *PendingBlocks) Blocks() []Block {
	var out []Block
	for uri, byBatch := range p.blocks {
		for batchID, data := range byBatch {
			out = append(out, Block{FileURI: uri, BatchID: batchID, Data: data})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FileURI != out[j].FileURI {
			return out[i].FileURI < out[j].FileURI
		}
		return out[i].BatchID < out[j].BatchID
	})
	return out
}

// Size returns the number of staged bytes
func (p *PendingBlocks) Size() int {
	return p.size
}

// Reset drops every staged block
func (p *PendingBlocks) Reset() {
	p.blocks = make(map[string]map[int64][]byte)
	p.size = 0
}
