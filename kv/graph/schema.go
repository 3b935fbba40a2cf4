package graph

import (
	"context"
	"strings"

	"github.com/pingcap-incubator/tinygraph/kv/management"
	"github.com/pingcap-incubator/tinygraph/kv/relation"
	"github.com/pingcap-incubator/tinygraph/kv/schema"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

var (
	ErrSchemaExists = errors.New("graph: schema name already defined")
	ErrInvalidName  = errors.New("graph: invalid schema name")
	// ErrIndexStatus is returned for index status changes the current status does not allow.
	ErrIndexStatus = errors.New("graph: invalid index status change")
)

// IndexAction changes the status of a graph index.
type IndexAction byte

const (
	// RegisterIndex moves an installed index to registered once every instance knows it. Writes maintain every
	// composite index that is not disabled.
	RegisterIndex IndexAction = iota
	// EnableIndex makes a registered index available to queries.
	EnableIndex
	// DisableIndex stops maintaining and answering from an index.
	DisableIndex
)

func (a IndexAction) String() string {
	switch a {
	case RegisterIndex:
		return "REGISTER_INDEX"
	case EnableIndex:
		return "ENABLE_INDEX"
	case DisableIndex:
		return "DISABLE_INDEX"
	}
	return "UNKNOWN"
}

func clone(e schema.Element) (schema.Element, error) {
	data, err := schema.MarshalElement(e)
	if err != nil {
		return nil, err
	}
	return schema.UnmarshalElement(data)
}

func setID(e schema.Element, id uint64) error {
	switch t := e.(type) {
	case *schema.RelationType:
		t.ID = id
	case *schema.VertexLabel:
		t.ID = id
	case *schema.IndexType:
		t.ID = id
	default:
		return errors.Errorf("graph: cannot define %T", e)
	}
	return nil
}

// DefineElement assigns an id to the new schema element e and writes it with the transaction. Relation types are
// enabled right away. A graph index is enabled right away when all its keys are defined by the same transaction,
// otherwise it is installed and has to go through RegisterIndex and EnableIndex.
func (tx *Tx) DefineElement(ctx context.Context, e schema.Element) (schema.Element, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	name := e.SchemaName()
	if name == "" || strings.HasPrefix(name, "~") {
		return nil, errors.Annotatef(ErrInvalidName, "%q", name)
	}
	if _, err := tx.elementByName(name); err == nil {
		return nil, errors.Annotatef(ErrSchemaExists, "%q", name)
	} else if errors.Cause(err) != schema.ErrSchemaNotFound {
		return nil, err
	}
	e, err := clone(e)
	if err != nil {
		return nil, err
	}
	id, err := tx.g.elementIDs.Next()
	if err != nil {
		return nil, err
	}
	if err := setID(e, id); err != nil {
		return nil, err
	}
	switch t := e.(type) {
	case *schema.RelationType:
		if err := tx.prepareRelationType(ctx, t); err != nil {
			return nil, err
		}
	case *schema.IndexType:
		if err := tx.prepareIndex(ctx, t); err != nil {
			return nil, err
		}
	}
	relID, err := tx.g.relationIDs.Next()
	if err != nil {
		return nil, err
	}
	tx.newVertices[id] = struct{}{}
	tx.added = append(tx.added, relation.NewProperty(relID, schema.TypeNameKeyID, id, name))
	tx.defined = append(tx.defined, e)
	return e, nil
}

func (tx *Tx) prepareRelationType(ctx context.Context, t *schema.RelationType) error {
	if t.Status != schema.StatusDisabled {
		t.Status = schema.StatusEnabled
	}
	if t.IsPropertyKey() {
		t.Multiplicity = t.Cardinality.Multiplicity()
	}
	for _, key := range append(append([]uint64(nil), t.SortKey...), t.Signature...) {
		k, err := tx.relationType(key)
		if err != nil {
			return err
		}
		if !k.IsPropertyKey() {
			return errors.Annotatef(ErrWrongSchemaKind, "%s is not a property key", k.Name)
		}
	}
	if t.BaseType == 0 {
		return nil
	}
	// A relation index is materialized by its base type.
	base, err := tx.mutableRelationType(ctx, t.BaseType)
	if err != nil {
		return err
	}
	if base.Category != t.Category {
		return errors.Errorf("graph: relation index %s does not match the category of %s", t.Name, base.Name)
	}
	base.RelationIndexes = append(base.RelationIndexes, t.ID)
	return nil
}

func (tx *Tx) prepareIndex(ctx context.Context, idx *schema.IndexType) error {
	if len(idx.Fields) == 0 {
		return errors.Errorf("graph: index %s has no fields", idx.Name)
	}
	if idx.IsMixed() {
		if _, ok := tx.g.providers[idx.BackingIndex]; !ok {
			return errors.Annotatef(ErrUnknownProvider, "%q of index %s", idx.BackingIndex, idx.Name)
		}
	}
	allNew := true
	keys := make([]*schema.RelationType, 0, len(idx.Fields))
	for _, f := range idx.Fields {
		key, err := tx.mutableRelationType(ctx, f.Key)
		if err != nil {
			return err
		}
		if !key.IsPropertyKey() {
			return errors.Annotatef(ErrWrongSchemaKind, "%s is not a property key", key.Name)
		}
		if !tx.definesElement(key.ID) {
			allNew = false
		}
		keys = append(keys, key)
	}
	status := schema.StatusInstalled
	if allNew {
		status = schema.StatusEnabled
	}
	idx.Status = status
	for i := range idx.Fields {
		idx.Fields[i].Status = status
	}
	for _, key := range keys {
		key.KeyIndexes = append(key.KeyIndexes, idx.ID)
	}
	return nil
}

func (tx *Tx) definesElement(id uint64) bool {
	for _, e := range tx.defined {
		if e.SchemaID() == id {
			return true
		}
	}
	return false
}

// mutableRelationType returns the relation type with id as it will be written by the transaction, scheduling an
// update when it is already committed.
func (tx *Tx) mutableRelationType(ctx context.Context, id uint64) (*schema.RelationType, error) {
	e, err := tx.mutableElement(id)
	if err != nil {
		return nil, err
	}
	rt, ok := e.(*schema.RelationType)
	if !ok {
		return nil, errors.Annotatef(ErrWrongSchemaKind, "%s is not a relation type", e.SchemaName())
	}
	return rt, nil
}

func (tx *Tx) mutableElement(id uint64) (schema.Element, error) {
	if schema.IsSystemID(id) {
		return nil, errors.Errorf("graph: system schema element %d cannot be changed", id)
	}
	for _, e := range tx.defined {
		if e.SchemaID() == id {
			return e, nil
		}
	}
	if e, ok := tx.updated[id]; ok {
		return e, nil
	}
	e, err := tx.element(id)
	if err != nil {
		return nil, err
	}
	if e, err = clone(e); err != nil {
		return nil, err
	}
	tx.updated[id] = e
	return e, nil
}

// UpdateElement replaces the committed definition with the same id as e. After the commit every instance drops
// its cached copy, see Evicted.
func (tx *Tx) UpdateElement(ctx context.Context, e schema.Element) error {
	if err := tx.check(); err != nil {
		return err
	}
	current, err := tx.mutableElement(e.SchemaID())
	if err != nil {
		return err
	}
	if current.Kind() != e.Kind() {
		return errors.Annotatef(ErrWrongSchemaKind, "cannot change %s into another kind", current.SchemaName())
	}
	if e.SchemaName() != current.SchemaName() {
		if _, err := tx.elementByName(e.SchemaName()); err == nil {
			return errors.Annotatef(ErrSchemaExists, "%q", e.SchemaName())
		}
	}
	e, err = clone(e)
	if err != nil {
		return err
	}
	for i, d := range tx.defined {
		if d.SchemaID() == e.SchemaID() {
			tx.defined[i] = e
			return nil
		}
	}
	tx.updated[e.SchemaID()] = e
	return nil
}

// OnEvicted adds a trigger run once every instance dropped the elements updated by the transaction.
func (tx *Tx) OnEvicted(trigger management.Trigger) {
	tx.triggers = append(tx.triggers, trigger)
}

// writeDefinitions turns the defined and updated schema elements into ~definition and ~typename relations.
func (tx *Tx) writeDefinitions(ctx context.Context) error {
	for _, e := range tx.defined {
		if err := tx.addDefinition(e); err != nil {
			return err
		}
	}
	for _, id := range tx.updatedIDs() {
		e := tx.updated[id]
		defs, err := tx.committed(ctx, id, schema.DefinitionKey, schema.DirectionOut)
		if err != nil {
			return err
		}
		for _, d := range defs {
			tx.remove(d)
		}
		names, err := tx.committed(ctx, id, schema.TypeNameKey, schema.DirectionOut)
		if err != nil {
			return err
		}
		for _, n := range names {
			if n.Value == e.SchemaName() {
				continue
			}
			tx.remove(n)
			relID, err := tx.g.relationIDs.Next()
			if err != nil {
				return err
			}
			tx.added = append(tx.added, relation.NewProperty(relID, schema.TypeNameKeyID, id, e.SchemaName()))
		}
		if err := tx.addDefinition(e); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Tx) addDefinition(e schema.Element) error {
	data, err := schema.MarshalElement(e)
	if err != nil {
		return err
	}
	relID, err := tx.g.relationIDs.Next()
	if err != nil {
		return err
	}
	tx.added = append(tx.added, relation.NewProperty(relID, schema.DefinitionKeyID, e.SchemaID(), data))
	return nil
}

// evict expires typeIDs locally and broadcasts their expiry. Failing to broadcast is logged: the local change is
// committed already.
func (g *Graph) evict(ctx context.Context, typeIDs []uint64, action management.Action, triggers ...management.Trigger) <-chan struct{} {
	for _, id := range typeIDs {
		g.cache.ExpireSchemaElement(id)
	}
	done, err := g.invalidator.Evict(ctx, typeIDs, action, triggers...)
	if err != nil {
		log.Error("broadcast schema eviction failed", zap.Uint64s("types", typeIDs), zap.Error(err))
		return nil
	}
	return done
}

// DefineElement defines e in a transaction of its own.
func (g *Graph) DefineElement(ctx context.Context, e schema.Element) (schema.Element, error) {
	tx, err := g.NewTx()
	if err != nil {
		return nil, err
	}
	defined, err := tx.DefineElement(ctx, e)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if _, err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return defined, nil
}

// UpdateElement updates e in a transaction of its own. The returned channel is closed when every instance dropped
// the old definition and the triggers ran.
func (g *Graph) UpdateElement(ctx context.Context, e schema.Element, triggers ...management.Trigger) (<-chan struct{}, error) {
	tx, err := g.NewTx()
	if err != nil {
		return nil, err
	}
	if err := tx.UpdateElement(ctx, e); err != nil {
		tx.Rollback()
		return nil, err
	}
	for _, t := range triggers {
		tx.OnEvicted(t)
	}
	if _, err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return tx.Evicted(), nil
}

// ChangeIndexStatus applies action to the graph index called name. The returned channel is closed when the new
// status is visible to every instance.
func (g *Graph) ChangeIndexStatus(ctx context.Context, name string, action IndexAction) (<-chan struct{}, error) {
	e, err := g.cache.ElementByName(name)
	if err != nil {
		return nil, err
	}
	idx, ok := e.(*schema.IndexType)
	if !ok {
		return nil, errors.Annotatef(ErrWrongSchemaKind, "%s is not an index", name)
	}
	log.Info("change index status", zap.String("index", name), zap.Stringer("status", idx.Status), zap.Stringer("action", action))
	switch action {
	case RegisterIndex:
		if idx.Status != schema.StatusInstalled {
			return nil, errors.Annotatef(ErrIndexStatus, "%s %s", action, idx.Status)
		}
		if idx.IsMixed() {
			p, ok := g.providers[idx.BackingIndex]
			if !ok {
				return nil, errors.Annotatef(ErrUnknownProvider, "%q of index %s", idx.BackingIndex, name)
			}
			if err := g.maintainer.RegisterMixed(ctx, p, idx); err != nil {
				return nil, err
			}
		}
		// Every instance has to know the index before it is registered, otherwise a write on an instance with the
		// stale definition would skip it.
		done, err := g.invalidator.Evict(ctx, []uint64{idx.ID}, management.ActionExpire, func(ctx context.Context) error {
			_, err := g.setIndexStatus(ctx, idx.ID, schema.StatusRegistered)
			return err
		})
		return done, errors.Trace(err)
	case EnableIndex:
		if idx.Status != schema.StatusRegistered {
			return nil, errors.Annotatef(ErrIndexStatus, "%s %s", action, idx.Status)
		}
		return g.setIndexStatus(ctx, idx.ID, schema.StatusEnabled)
	case DisableIndex:
		if idx.Status == schema.StatusDisabled {
			return nil, errors.Annotatef(ErrIndexStatus, "%s %s", action, idx.Status)
		}
		return g.setIndexStatus(ctx, idx.ID, schema.StatusDisabled)
	}
	return nil, errors.Errorf("graph: unknown index action %d", action)
}

func (g *Graph) setIndexStatus(ctx context.Context, id uint64, status schema.Status) (<-chan struct{}, error) {
	tx, err := g.NewTx()
	if err != nil {
		return nil, err
	}
	e, err := tx.mutableElement(id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	idx, ok := e.(*schema.IndexType)
	if !ok {
		tx.Rollback()
		return nil, errors.Annotatef(ErrWrongSchemaKind, "%s is not an index", e.SchemaName())
	}
	idx.Status = status
	for i := range idx.Fields {
		if idx.Fields[i].Status != schema.StatusDisabled {
			idx.Fields[i].Status = status
		}
	}
	if _, err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	log.Info("index status changed", zap.String("index", idx.Name), zap.Stringer("status", status))
	return tx.Evicted(), nil
}
