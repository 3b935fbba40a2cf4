package relation

import (
	"sort"
	"time"

	"github.com/pingcap-incubator/tinygraph/kv/schema"
	"github.com/pingcap-incubator/tinygraph/kv/storage/kcvs"
	"github.com/pingcap-incubator/tinygraph/kv/util/codec"
	"github.com/pingcap/errors"
)

// ErrCorruptedEntry is returned when an entry cannot be decoded with the schema of its type.
var ErrCorruptedEntry = errors.New("relation: corrupted entry")

// The header of an entry stores (typeID << 1 | dirBit) behind a 3 bit prefix of (category << 1 | invisible).
const headerPrefixBits = 3

// Presence markers of inline sort key and signature values.
const (
	valueAbsent  byte = 0
	valuePresent byte = 1
)

// Codec converts relations to and from the entries stored in the rows of their vertices.
type Codec struct {
	types schema.TypeInspector
}

func NewCodec(types schema.TypeInspector) *Codec {
	return &Codec{types: types}
}

// AppendHeader appends the type header written at the start of every entry of t in direction dir.
func AppendHeader(b []byte, t *schema.RelationType, dir schema.Direction) []byte {
	var dirBit uint64
	if t.IsEdgeLabel() && dir == schema.DirectionIn {
		dirBit = 1
	}
	prefix := uint64(t.Category) << 1
	if t.Invisible {
		prefix |= 1
	}
	return codec.AppendPositiveWithPrefix(b, t.ID<<1|dirBit, prefix, headerPrefixBits)
}

// TypeSlice selects every entry of type t in direction dir in a vertex row.
func TypeSlice(t *schema.RelationType, dir schema.Direction) kcvs.SliceQuery {
	return kcvs.PrefixSlice(AppendHeader(nil, t, dir))
}

// WriteRelation encodes rel as seen from its vertex at position pos with the layout of t, which is either the type
// of rel or one of its relation indexes.
func (c *Codec) WriteRelation(rel *Relation, t *schema.RelationType, pos int) (kcvs.Entry, error) {
	if pos < 0 || pos >= rel.Arity() {
		return kcvs.Entry{}, errors.Errorf("relation: invalid position %d for %s", pos, rel)
	}
	if t.IsEdgeLabel() != rel.IsEdge() {
		return kcvs.Entry{}, errors.Errorf("relation: type %s does not match %s", t.Name, rel)
	}
	dir := schema.DirectionFromPosition(pos)
	multiplicity := t.Multiplicity
	if multiplicity.IsConstrained() && len(t.SortKey) > 0 {
		return kcvs.Entry{}, errors.Errorf("relation: constrained type %s cannot have a sort key", t.Name)
	}

	b := AppendHeader(make([]byte, 0, 32), t, dir)
	keyStart := len(b)
	var err error
	if !multiplicity.IsConstrained() {
		if b, err = c.appendInline(b, t.SortKey, rel); err != nil {
			return kcvs.Entry{}, err
		}
	}
	keyEnd := len(b)

	var valuePos int
	if rel.IsEdge() {
		other := rel.OtherVertex(pos)
		if multiplicity.IsConstrained() {
			if multiplicity.IsUnique(dir) {
				valuePos = len(b)
				b = Forward.Append(b, other)
			} else {
				b = Backward.Append(b, other)
				valuePos = len(b)
			}
			b = Forward.Append(b, rel.ID)
		} else {
			b = Backward.Append(b, other)
			b = Backward.Append(b, rel.ID)
			valuePos = len(b)
		}
	} else {
		if rel.Value == nil {
			return kcvs.Entry{}, errors.Errorf("relation: property %s has no value", rel)
		}
		key, err := c.propertyKey(rel.TypeID)
		if err != nil {
			return kcvs.Entry{}, err
		}
		value, err := key.DataType.Normalize(rel.Value)
		if err != nil {
			return kcvs.Entry{}, errors.Annotatef(err, "property %s", key.Name)
		}
		if multiplicity.IsConstrained() {
			if multiplicity.IsUnique(dir) {
				valuePos = len(b)
				if b, err = key.DataType.AppendValue(b, value); err != nil {
					return kcvs.Entry{}, err
				}
			} else {
				if b, err = key.DataType.AppendValue(b, value); err != nil {
					return kcvs.Entry{}, err
				}
				valuePos = len(b)
			}
			b = Forward.Append(b, rel.ID)
		} else {
			b = Backward.Append(b, rel.ID)
			valuePos = len(b)
			if b, err = key.DataType.AppendValue(b, value); err != nil {
				return kcvs.Entry{}, err
			}
		}
	}

	if b, err = c.appendInline(b, t.Signature, rel); err != nil {
		return kcvs.Entry{}, err
	}
	if b, err = c.appendRemaining(b, t, rel); err != nil {
		return kcvs.Entry{}, err
	}

	if t.SortOrder == schema.OrderDesc && keyEnd > keyStart {
		b = codec.FlipBytes(b, keyStart, keyEnd)
	}
	return kcvs.Entry{Data: b, ValuePos: valuePos, TTL: rel.TTL}, nil
}

func (c *Codec) propertyKey(id uint64) (*schema.RelationType, error) {
	key, err := c.types.RelationType(id)
	if err != nil {
		return nil, err
	}
	if !key.IsPropertyKey() {
		return nil, errors.Errorf("relation: type %d is not a property key", id)
	}
	return key, nil
}

// appendInline writes the values of keys in order, each as its key id, a presence byte and the order preserving
// value.
func (c *Codec) appendInline(b []byte, keys []uint64, rel *Relation) ([]byte, error) {
	for _, id := range keys {
		key, err := c.propertyKey(id)
		if err != nil {
			return nil, err
		}
		b = codec.AppendPositive(b, id)
		v, ok := rel.Property(id)
		if !ok {
			b = append(b, valueAbsent)
			continue
		}
		b = append(b, valuePresent)
		if v, err = key.DataType.Normalize(v); err != nil {
			return nil, errors.Annotatef(err, "property %s", key.Name)
		}
		if b, err = key.DataType.AppendValue(b, v); err != nil {
			return nil, errors.Annotatef(err, "property %s", key.Name)
		}
	}
	return b, nil
}

// appendRemaining writes the properties not covered by the sort key or the signature, sorted by key id.
func (c *Codec) appendRemaining(b []byte, t *schema.RelationType, rel *Relation) ([]byte, error) {
	written := make(map[uint64]struct{}, len(t.SortKey)+len(t.Signature))
	for _, id := range t.SortKey {
		written[id] = struct{}{}
	}
	for _, id := range t.Signature {
		written[id] = struct{}{}
	}
	remaining := make([]uint64, 0, len(rel.Properties))
	for id, v := range rel.Properties {
		if _, ok := written[id]; ok || v == nil || schema.IsImplicitKey(id) {
			continue
		}
		remaining = append(remaining, id)
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i] < remaining[j] })
	for _, id := range remaining {
		key, err := c.propertyKey(id)
		if err != nil {
			return nil, err
		}
		v, err := key.DataType.Normalize(rel.Properties[id])
		if err != nil {
			return nil, errors.Annotatef(err, "property %s", key.Name)
		}
		b = codec.AppendPositive(b, id)
		if b, err = key.DataType.AppendValue(b, v); err != nil {
			return nil, errors.Annotatef(err, "property %s", key.Name)
		}
	}
	return b, nil
}

// ReadHeader decodes the type id and direction at the start of an entry.
func ReadHeader(data []byte) (typeID uint64, category schema.RelationCategory, dir schema.Direction, err error) {
	typeID, category, dir, _, err = readHeader(codec.NewReadBuffer(data))
	return
}

func readHeader(r *codec.ReadBuffer) (typeID uint64, category schema.RelationCategory, dir schema.Direction, invisible bool, err error) {
	value, prefix, err := r.ReadPositiveWithPrefix(headerPrefixBits)
	if err != nil {
		return 0, 0, 0, false, corrupted(err)
	}
	category = schema.RelationCategory(prefix >> 1)
	invisible = prefix&1 == 1
	dir = schema.DirectionOut
	if category == schema.CategoryEdge && value&1 == 1 {
		dir = schema.DirectionIn
	}
	return value >> 1, category, dir, invisible, nil
}

func corrupted(err error) error {
	return errors.Annotatef(ErrCorruptedEntry, "%v", err)
}

// ParseRelation decodes an entry written by WriteRelation. With headerOnly set, the properties of the relation are
// not decoded.
func (c *Codec) ParseRelation(e kcvs.Entry, headerOnly bool) (*RelationCache, error) {
	r := codec.NewReadBuffer(e.Data)
	typeID, category, dir, _, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	t, err := c.types.RelationType(typeID)
	if err != nil {
		return nil, err
	}
	if t.Category != category {
		return nil, errors.Annotatef(ErrCorruptedEntry, "category of type %s does not match", t.Name)
	}
	if e.ValuePos < r.Pos() || e.ValuePos > len(e.Data) {
		return nil, errors.Annotatef(ErrCorruptedEntry, "value position %d out of range", e.ValuePos)
	}
	multiplicity := t.Multiplicity
	rc := &RelationCache{TypeID: typeID, Direction: dir}
	valueType := t.DataType
	if t.IsPropertyKey() && t.BaseType != 0 {
		base, err := c.propertyKey(t.BaseType)
		if err != nil {
			return nil, err
		}
		valueType = base.DataType
	}

	startKey, endKey := r.Pos(), 0
	if t.IsEdgeLabel() {
		if multiplicity.IsConstrained() {
			if multiplicity.IsUnique(dir) {
				if rc.OtherVertexID, err = Forward.Read(r); err != nil {
					return nil, corrupted(err)
				}
			} else {
				r.MoveTo(e.ValuePos)
				if rc.OtherVertexID, err = Backward.Read(r); err != nil {
					return nil, corrupted(err)
				}
				r.MoveTo(e.ValuePos)
			}
			if rc.RelationID, err = Forward.Read(r); err != nil {
				return nil, corrupted(err)
			}
		} else {
			r.MoveTo(e.ValuePos)
			if rc.RelationID, err = Backward.Read(r); err != nil {
				return nil, corrupted(err)
			}
			if rc.OtherVertexID, err = Backward.Read(r); err != nil {
				return nil, corrupted(err)
			}
			endKey = r.Pos()
			r.MoveTo(e.ValuePos)
		}
	} else {
		if multiplicity.IsConstrained() {
			if rc.Value, err = valueType.ReadValue(r); err != nil {
				return nil, corrupted(err)
			}
			if rc.RelationID, err = Forward.Read(r); err != nil {
				return nil, corrupted(err)
			}
		} else {
			r.MoveTo(e.ValuePos)
			if rc.RelationID, err = Backward.Read(r); err != nil {
				return nil, corrupted(err)
			}
			endKey = r.Pos()
			r.MoveTo(e.ValuePos)
			if rc.Value, err = valueType.ReadValue(r); err != nil {
				return nil, corrupted(err)
			}
		}
		if rc.Value == nil {
			return nil, errors.Annotatef(ErrCorruptedEntry, "null value of property %s", t.Name)
		}
	}
	if headerOnly {
		return rc, nil
	}

	rc.Properties = make(map[uint64]interface{})
	if !multiplicity.IsConstrained() && len(t.SortKey) > 0 {
		if endKey < startKey {
			return nil, errors.Annotatef(ErrCorruptedEntry, "sort key of type %s out of range", t.Name)
		}
		region := e.Data[startKey:endKey]
		if t.SortOrder == schema.OrderDesc {
			region = codec.FlipBytes(region, 0, len(region))
		}
		if err := c.readInline(codec.NewReadBuffer(region), t.SortKey, rc.Properties); err != nil {
			return nil, err
		}
	}
	if err := c.readInline(r, t.Signature, rc.Properties); err != nil {
		return nil, err
	}
	for r.HasRemaining() {
		id, err := r.ReadPositive()
		if err != nil {
			return nil, corrupted(err)
		}
		key, err := c.propertyKey(id)
		if err != nil {
			return nil, err
		}
		v, err := key.DataType.ReadValue(r)
		if err != nil {
			return nil, corrupted(err)
		}
		if v == nil {
			return nil, errors.Annotatef(ErrCorruptedEntry, "null value of property %s", key.Name)
		}
		rc.Properties[id] = v
	}
	if e.Timestamp != 0 {
		rc.Properties[schema.TimestampKeyID] = e.Timestamp
	}
	if e.TTL > 0 {
		rc.Properties[schema.TTLKeyID] = int64(e.TTL / time.Second)
	}
	return rc, nil
}

func (c *Codec) readInline(r *codec.ReadBuffer, keys []uint64, props map[uint64]interface{}) error {
	for _, want := range keys {
		id, err := r.ReadPositive()
		if err != nil {
			return corrupted(err)
		}
		if id != want {
			return errors.Annotatef(ErrCorruptedEntry, "expected inline key %d, found %d", want, id)
		}
		present, err := r.ReadByte()
		if err != nil {
			return corrupted(err)
		}
		if present == valueAbsent {
			continue
		}
		key, err := c.propertyKey(id)
		if err != nil {
			return err
		}
		v, err := key.DataType.ReadValue(r)
		if err != nil {
			return corrupted(err)
		}
		props[id] = v
	}
	return nil
}
