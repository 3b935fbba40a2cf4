package index

import (
	"context"
	"strconv"
	"strings"

	"github.com/pingcap-incubator/tinygraph/kv/mixed"
	"github.com/pingcap-incubator/tinygraph/kv/relation"
	"github.com/pingcap-incubator/tinygraph/kv/schema"
	"github.com/pingcap/errors"
)

// ErrUnknownKey is returned when a query refers to a key the target index does not cover.
var ErrUnknownKey = errors.New("index: unknown key")

// FieldMapper names the backend field a key is stored in.
type FieldMapper interface {
	Field(idx *schema.IndexType, f schema.IndexField, key *schema.RelationType) string
}

// DefaultFieldMapper uses the mapped name of the field, or the base-36 key id.
type DefaultFieldMapper struct{}

func (DefaultFieldMapper) Field(idx *schema.IndexType, f schema.IndexField, key *schema.RelationType) string {
	if f.MappedName != "" {
		return f.MappedName
	}
	return strconv.FormatUint(key.ID, 36)
}

// VertexDocID is the document id of a vertex in a mixed index.
func VertexDocID(vertex uint64) string {
	return strconv.FormatUint(vertex, 36)
}

// RelationDocID is the document id of an edge or property in a mixed index.
func RelationDocID(rel *relation.Relation) string {
	return rel.Identifier().String()
}

// ParseDocID converts a document id of idx back to the element it names.
func ParseDocID(idx *schema.IndexType, docID string) (Hit, error) {
	if idx.Element == schema.ElementVertex {
		v, err := strconv.ParseUint(docID, 36, 64)
		if err != nil {
			return Hit{}, errors.Annotatef(err, "document id %q", docID)
		}
		return Hit{VertexID: v}, nil
	}
	id, err := relation.ParseIdentifier(docID)
	if err != nil {
		return Hit{}, err
	}
	return Hit{Relation: id}, nil
}

// RegisterMixed declares every field of a mixed index that is not disabled in its backing provider.
func (m *Maintainer) RegisterMixed(ctx context.Context, p mixed.Provider, idx *schema.IndexType) error {
	for _, f := range idx.Fields {
		if f.Status == schema.StatusDisabled {
			continue
		}
		key, err := m.types.RelationType(f.Key)
		if err != nil {
			return err
		}
		info := mixed.KeyInformation{DataType: key.DataType, Cardinality: key.Cardinality}
		if err := p.Register(ctx, idx.Store(), m.mapper.Field(idx, f, key), info); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func isKeyByte(c byte) bool {
	return c == '_' || c >= 0x80 ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// TranslateQuery rewrites every occurrence of prefix followed by a key name in query to the backend field of that
// key in idx. A key name is bare, double quoted or *. Keys not indexed by idx are replaced by unknownKey, or fail
// with ErrUnknownKey when unknownKey is empty.
func (m *Maintainer) TranslateQuery(idx *schema.IndexType, query, prefix, unknownKey string) (string, error) {
	if prefix == "" {
		return "", errors.New("index: empty key prefix")
	}
	var out strings.Builder
	pos := 0
	for {
		i := strings.Index(query[pos:], prefix)
		if i < 0 {
			out.WriteString(query[pos:])
			break
		}
		start := pos + i
		out.WriteString(query[pos:start])
		nameStart := start + len(prefix)
		end := nameStart
		var name string
		switch {
		case end < len(query) && query[end] == '"':
			closing := strings.IndexByte(query[end+1:], '"')
			if closing < 0 {
				return "", errors.Errorf("index: unterminated key name in %q", query)
			}
			name = query[end+1 : end+1+closing]
			end += closing + 2
		case end < len(query) && query[end] == '*':
			name = "*"
			end++
		default:
			for end < len(query) && isKeyByte(query[end]) {
				end++
			}
			name = query[nameStart:end]
		}
		if name == "" {
			out.WriteString(prefix)
			pos = nameStart
			continue
		}
		field, err := m.resolveField(idx, name, unknownKey)
		if err != nil {
			return "", err
		}
		out.WriteString(field)
		pos = end
	}
	return out.String(), nil
}

func (m *Maintainer) resolveField(idx *schema.IndexType, name, unknownKey string) (string, error) {
	if name == "*" {
		return "*", nil
	}
	if e, err := m.types.ElementByName(name); err == nil {
		if key, ok := e.(*schema.RelationType); ok && key.IsPropertyKey() {
			if f, ok := idx.Field(key.ID); ok && f.Status != schema.StatusDisabled {
				return m.mapper.Field(idx, f, key), nil
			}
		}
	} else if errors.Cause(err) != schema.ErrSchemaNotFound {
		return "", err
	}
	if unknownKey != "" {
		return unknownKey, nil
	}
	return "", errors.Annotatef(ErrUnknownKey, "%q in index %s", name, idx.Name)
}

// Query translates query and runs it against the backing provider of a mixed index.
func (m *Maintainer) Query(ctx context.Context, p mixed.Provider, idx *schema.IndexType, query, prefix string, limit int) ([]Hit, error) {
	if !idx.IsMixed() {
		return nil, errors.Errorf("index: %s is not a mixed index", idx.Name)
	}
	translated, err := m.TranslateQuery(idx, query, prefix, "")
	if err != nil {
		return nil, err
	}
	docIDs, err := p.Query(ctx, idx.Store(), translated, limit)
	if err != nil {
		return nil, errors.Trace(err)
	}
	hits := make([]Hit, 0, len(docIDs))
	for _, id := range docIDs {
		h, err := ParseDocID(idx, id)
		if err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, nil
}
