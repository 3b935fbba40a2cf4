package mixed

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pingcap-incubator/tinygraph/kv/schema"
	"github.com/pingcap/errors"
)

// MemoryProvider keeps documents in process. Queries are whitespace separated terms of the form field:value that
// must all match. A value of * matches any document having the field.
type MemoryProvider struct {
	sync.RWMutex
	name   string
	fields map[string]map[string]KeyInformation
	docs   map[string]map[string]map[string][]interface{}
}

func NewMemoryProvider(name string) *MemoryProvider {
	return &MemoryProvider{
		name:   name,
		fields: make(map[string]map[string]KeyInformation),
		docs:   make(map[string]map[string]map[string][]interface{}),
	}
}

func (p *MemoryProvider) Name() string {
	return p.name
}

func (p *MemoryProvider) Register(ctx context.Context, store, field string, info KeyInformation) error {
	p.Lock()
	defer p.Unlock()
	fields, ok := p.fields[store]
	if !ok {
		fields = make(map[string]KeyInformation)
		p.fields[store] = fields
	}
	if old, ok := fields[field]; ok && old != info {
		return errors.Errorf("mixed: field %s of store %s already registered with %v", field, store, old)
	}
	fields[field] = info
	return nil
}

func (p *MemoryProvider) Mutate(ctx context.Context, mutations map[string]map[string]*IndexMutation) error {
	p.Lock()
	defer p.Unlock()
	// Validate first so a failing batch leaves the provider untouched.
	for store, docs := range mutations {
		for docID, m := range docs {
			for _, e := range m.Additions {
				if _, ok := p.fields[store][e.Field]; !ok {
					return errors.Annotatef(ErrNotRegistered, "store %s field %s document %s", store, e.Field, docID)
				}
			}
		}
	}
	for store, docs := range mutations {
		storeDocs, ok := p.docs[store]
		if !ok {
			storeDocs = make(map[string]map[string][]interface{})
			p.docs[store] = storeDocs
		}
		for docID, m := range docs {
			p.apply(store, storeDocs, docID, m)
		}
	}
	return nil
}

func (p *MemoryProvider) apply(store string, storeDocs map[string]map[string][]interface{}, docID string, m *IndexMutation) {
	if m.IsDeleted {
		delete(storeDocs, docID)
	}
	doc := storeDocs[docID]
	for _, e := range m.Deletions {
		if doc == nil {
			break
		}
		values := doc[e.Field]
		for i, v := range values {
			if schema.ValuesEqual(v, e.Value) {
				values = append(values[:i:i], values[i+1:]...)
				break
			}
		}
		if len(values) == 0 {
			delete(doc, e.Field)
		} else {
			doc[e.Field] = values
		}
	}
	for _, e := range m.Additions {
		if doc == nil {
			doc = make(map[string][]interface{})
			storeDocs[docID] = doc
		}
		switch p.fields[store][e.Field].Cardinality {
		case schema.CardinalitySingle:
			doc[e.Field] = []interface{}{e.Value}
		case schema.CardinalitySet:
			if !containsValue(doc[e.Field], e.Value) {
				doc[e.Field] = append(doc[e.Field], e.Value)
			}
		default:
			doc[e.Field] = append(doc[e.Field], e.Value)
		}
	}
	if doc != nil && len(doc) == 0 {
		delete(storeDocs, docID)
	}
}

func containsValue(values []interface{}, v interface{}) bool {
	for _, x := range values {
		if schema.ValuesEqual(x, v) {
			return true
		}
	}
	return false
}

type term struct {
	field string
	value string
}

func parseQuery(query string) ([]term, error) {
	var terms []term
	for _, tok := range strings.Fields(query) {
		i := strings.LastIndex(tok, ":")
		if i <= 0 || i == len(tok)-1 {
			return nil, errors.Annotatef(ErrInvalidQuery, "term %q", tok)
		}
		terms = append(terms, term{field: tok[:i], value: strings.Trim(tok[i+1:], `"`)})
	}
	if len(terms) == 0 {
		return nil, errors.Annotatef(ErrInvalidQuery, "empty query")
	}
	return terms, nil
}

func (t term) matches(doc map[string][]interface{}) bool {
	for field, values := range doc {
		if t.field != "*" && t.field != field {
			continue
		}
		if t.value == "*" {
			return true
		}
		for _, v := range values {
			if fmt.Sprint(v) == t.value {
				return true
			}
		}
	}
	return false
}

func (p *MemoryProvider) Query(ctx context.Context, store, query string, limit int) ([]string, error) {
	terms, err := parseQuery(query)
	if err != nil {
		return nil, err
	}
	p.RLock()
	defer p.RUnlock()
	var ids []string
	for docID, doc := range p.docs[store] {
		matched := true
		for _, t := range terms {
			if !t.matches(doc) {
				matched = false
				break
			}
		}
		if matched {
			ids = append(ids, docID)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// Document returns a copy of the fields of a stored document.
func (p *MemoryProvider) Document(store, docID string) (map[string][]interface{}, bool) {
	p.RLock()
	defer p.RUnlock()
	doc, ok := p.docs[store][docID]
	if !ok {
		return nil, false
	}
	cp := make(map[string][]interface{}, len(doc))
	for f, values := range doc {
		cp[f] = append([]interface{}(nil), values...)
	}
	return cp, true
}

func (p *MemoryProvider) Close() error {
	return nil
}
