package mixed

import (
	"context"

	"github.com/pingcap-incubator/tinygraph/kv/schema"
	"github.com/pingcap/errors"
)

var (
	// ErrNotRegistered is returned when a document field is written before it was registered in its store.
	ErrNotRegistered = errors.New("mixed: field not registered")
	// ErrInvalidQuery is returned for queries the provider cannot parse.
	ErrInvalidQuery = errors.New("mixed: invalid query")
)

// IndexEntry is one field value of an indexed document.
type IndexEntry struct {
	Field string
	Value interface{}
}

// KeyInformation describes how a registered field stores its values.
type KeyInformation struct {
	DataType    schema.DataType
	Cardinality schema.Cardinality
}

// IndexMutation collects the changes of one document.
type IndexMutation struct {
	Additions []IndexEntry
	Deletions []IndexEntry
	// IsNew is set when the document is created by the mutation.
	IsNew bool
	// IsDeleted removes the whole document before the additions are applied.
	IsDeleted bool
}

func (m *IndexMutation) IsEmpty() bool {
	return len(m.Additions) == 0 && len(m.Deletions) == 0 && !m.IsDeleted
}

// Provider is an external index backend holding documents in named stores.
type Provider interface {
	Name() string
	// Register declares field in store before documents using it are written.
	Register(ctx context.Context, store, field string, info KeyInformation) error
	// Mutate applies the document mutations keyed by store and document id.
	Mutate(ctx context.Context, mutations map[string]map[string]*IndexMutation) error
	// Query returns the ids of the documents of store matching query, at most limit of them when limit > 0.
	Query(ctx context.Context, store, query string, limit int) ([]string, error)
	Close() error
}
