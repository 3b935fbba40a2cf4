package schema

import (
	"sort"
	"sync"

	"github.com/pingcap/errors"
)

// Item is a cached schema element.
type Item struct {
	Key   uint64
	Value Element
}

// Retriever loads schema elements from persistent storage on a cache miss.
type Retriever interface {
	// RetrieveElement loads the element with id. It returns ErrSchemaNotFound if no such element exists.
	RetrieveElement(id uint64) (Element, error)
	// RetrieveID resolves a schema name to an id.
	RetrieveID(name string) (uint64, error)
}

// Cache is the per-process cache of schema elements.
type Cache interface {
	TypeInspector
	// Element returns the element with id, loading it on a miss.
	Element(id uint64) (Element, error)
	// ElementByName returns the element called name, loading it on a miss.
	ElementByName(name string) (Element, error)
	// Put adds a freshly defined element.
	Put(e Element)
	// ExpireSchemaElement drops the element with id so that the next access reloads it.
	ExpireSchemaElement(id uint64)
	// Elems returns all cached items ordered by id.
	Elems() []*Item
	// Len returns the number of cached elements.
	Len() int
}

// StandardCache is a read-mostly cache that expires elements explicitly and reloads them on a miss.
type StandardCache struct {
	sync.RWMutex
	byID      map[uint64]Element
	byName    map[string]uint64
	retriever Retriever
}

// NewStandardCache creates a cache backed by retriever. A nil retriever makes every miss a not-found error.
func NewStandardCache(retriever Retriever) *StandardCache {
	return &StandardCache{
		byID:      make(map[uint64]Element),
		byName:    make(map[string]uint64),
		retriever: retriever,
	}
}

func (c *StandardCache) Element(id uint64) (Element, error) {
	if t, ok := SystemType(id); ok {
		return t, nil
	}
	if i, ok := SystemIndex(id); ok {
		return i, nil
	}
	c.RLock()
	e, ok := c.byID[id]
	c.RUnlock()
	if ok {
		return e, nil
	}
	if c.retriever == nil {
		return nil, errors.Annotatef(ErrSchemaNotFound, "id %d", id)
	}
	e, err := c.retriever.RetrieveElement(id)
	if err != nil {
		return nil, err
	}
	c.Put(e)
	return e, nil
}

func (c *StandardCache) ElementByName(name string) (Element, error) {
	for _, t := range systemTypes {
		if t.Name == name {
			return t, nil
		}
	}
	if name == NameIndex.Name {
		return NameIndex, nil
	}
	c.RLock()
	id, ok := c.byName[name]
	c.RUnlock()
	if !ok {
		if c.retriever == nil {
			return nil, errors.Annotatef(ErrSchemaNotFound, "name %q", name)
		}
		var err error
		if id, err = c.retriever.RetrieveID(name); err != nil {
			return nil, err
		}
	}
	return c.Element(id)
}

func (c *StandardCache) RelationType(id uint64) (*RelationType, error) {
	e, err := c.Element(id)
	if err != nil {
		return nil, err
	}
	t, ok := e.(*RelationType)
	if !ok {
		return nil, errors.Errorf("schema: element %d is not a relation type", id)
	}
	return t, nil
}

func (c *StandardCache) VertexLabel(id uint64) (*VertexLabel, error) {
	e, err := c.Element(id)
	if err != nil {
		return nil, err
	}
	l, ok := e.(*VertexLabel)
	if !ok {
		return nil, errors.Errorf("schema: element %d is not a vertex label", id)
	}
	return l, nil
}

func (c *StandardCache) Index(id uint64) (*IndexType, error) {
	e, err := c.Element(id)
	if err != nil {
		return nil, err
	}
	i, ok := e.(*IndexType)
	if !ok {
		return nil, errors.Errorf("schema: element %d is not an index", id)
	}
	return i, nil
}

func (c *StandardCache) Put(e Element) {
	c.Lock()
	defer c.Unlock()
	if old, ok := c.byID[e.SchemaID()]; ok && old.SchemaName() != e.SchemaName() {
		delete(c.byName, old.SchemaName())
	}
	c.byID[e.SchemaID()] = e
	c.byName[e.SchemaName()] = e.SchemaID()
}

func (c *StandardCache) ExpireSchemaElement(id uint64) {
	c.Lock()
	defer c.Unlock()
	if e, ok := c.byID[id]; ok {
		delete(c.byName, e.SchemaName())
		delete(c.byID, id)
	}
}

func (c *StandardCache) Elems() []*Item {
	c.RLock()
	items := make([]*Item, 0, len(c.byID))
	for id, e := range c.byID {
		items = append(items, &Item{Key: id, Value: e})
	}
	c.RUnlock()
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items
}

func (c *StandardCache) Len() int {
	c.RLock()
	defer c.RUnlock()
	return len(c.byID)
}
