package schema

import (
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinygraph/kv/util/codec"
	. "github.com/pingcap/check"
	"github.com/pingcap/errors"
)

func TestSchema(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testSchemaSuite{})

type testSchemaSuite struct{}

func (s *testSchemaSuite) TestMarshalRelationType(c *C) {
	knows := &RelationType{
		ID:              70,
		Name:            "knows",
		Category:        CategoryEdge,
		Multiplicity:    Multi,
		SortKey:         []uint64{65},
		SortOrder:       OrderDesc,
		Signature:       []uint64{66, 67},
		Unidirected:     DirectionBoth,
		Consistency:     ConsistencyLock,
		TTL:             time.Hour,
		Status:          StatusEnabled,
		RelationIndexes: []uint64{71},
	}
	data, err := MarshalElement(knows)
	c.Assert(err, IsNil)
	e, err := UnmarshalElement(data)
	c.Assert(err, IsNil)
	c.Assert(e, DeepEquals, knows)
	c.Assert(e.Kind(), Equals, KindEdgeLabel)
}

func (s *testSchemaSuite) TestMarshalIndexAndLabel(c *C) {
	idx := &IndexType{
		ID:        80,
		Name:      "byNameAge",
		IndexKind: IndexMixed,
		Element:   ElementVertex,
		Fields: []IndexField{
			{Key: 65, Status: StatusEnabled},
			{Key: 66, Status: StatusRegistered, MappedName: "age_years"},
		},
		Cardinality:  CardinalitySet,
		Status:       StatusInstalled,
		Constraint:   90,
		BackingIndex: "search",
	}
	data, err := MarshalElement(idx)
	c.Assert(err, IsNil)
	e, err := UnmarshalElement(data)
	c.Assert(err, IsNil)
	c.Assert(e, DeepEquals, idx)
	c.Assert(e.(*IndexType).Store(), Equals, "byNameAge")

	person := &VertexLabel{ID: 90, Name: "person", TTL: 2 * time.Minute}
	data, err = MarshalElement(person)
	c.Assert(err, IsNil)
	e, err = UnmarshalElement(data)
	c.Assert(err, IsNil)
	c.Assert(e, DeepEquals, person)
}

func (s *testSchemaSuite) TestUnmarshalCorrupted(c *C) {
	data, err := MarshalElement(&VertexLabel{ID: 90, Name: "person"})
	c.Assert(err, IsNil)
	_, err = UnmarshalElement(data[:len(data)-3])
	c.Assert(err, NotNil)
	_, err = UnmarshalElement([]byte{42})
	c.Assert(err, NotNil)
}

func (s *testSchemaSuite) TestMultiplicity(c *C) {
	c.Assert(Many2One.IsUnique(DirectionOut), IsTrue)
	c.Assert(Many2One.IsUnique(DirectionIn), IsFalse)
	c.Assert(One2Many.IsUnique(DirectionIn), IsTrue)
	c.Assert(One2One.IsUnique(DirectionBoth), IsTrue)
	c.Assert(Simple.IsConstrained(), IsTrue)
	c.Assert(Multi.IsConstrained(), IsFalse)
	c.Assert(CardinalityList.Multiplicity(), Equals, Multi)
	c.Assert(CardinalitySet.Multiplicity(), Equals, Simple)
}

func (s *testSchemaSuite) TestDataTypeValues(c *C) {
	v, err := DataTypeInt64.Normalize(7)
	c.Assert(err, IsNil)
	c.Assert(v, Equals, int64(7))
	_, err = DataTypeString.Normalize(7)
	c.Assert(errors.Cause(err), Equals, ErrInvalidValue)

	values := []interface{}{"marko", int64(-3), 1.5, true, []byte{1, 2}, time.Unix(100, 0).UTC()}
	for _, v := range values {
		b, err := DataTypeAny.AppendValue(nil, v)
		c.Assert(err, IsNil)
		got, err := DataTypeAny.ReadValue(codec.NewReadBuffer(b))
		c.Assert(err, IsNil)
		c.Assert(ValuesEqual(got, v), IsTrue, Commentf("%v", v))
	}
}

type mapRetriever struct {
	sync.Mutex
	elements map[uint64]Element
	loads    int
}

func (r *mapRetriever) RetrieveElement(id uint64) (Element, error) {
	r.Lock()
	defer r.Unlock()
	r.loads++
	e, ok := r.elements[id]
	if !ok {
		return nil, errors.Trace(ErrSchemaNotFound)
	}
	return e, nil
}

func (r *mapRetriever) RetrieveID(name string) (uint64, error) {
	r.Lock()
	defer r.Unlock()
	for id, e := range r.elements {
		if e.SchemaName() == name {
			return id, nil
		}
	}
	return 0, errors.Trace(ErrSchemaNotFound)
}

func (s *testSchemaSuite) TestCacheReloadAfterExpire(c *C) {
	name := &RelationType{ID: 65, Name: "name", DataType: DataTypeString}
	r := &mapRetriever{elements: map[uint64]Element{65: name}}
	cache := NewStandardCache(r)

	t, err := cache.RelationType(65)
	c.Assert(err, IsNil)
	c.Assert(t.Name, Equals, "name")
	_, err = cache.RelationType(65)
	c.Assert(err, IsNil)
	c.Assert(r.loads, Equals, 1)

	renamed := &RelationType{ID: 65, Name: "fullName", DataType: DataTypeString}
	r.elements[65] = renamed
	cache.ExpireSchemaElement(65)
	c.Assert(cache.Len(), Equals, 0)

	e, err := cache.ElementByName("fullName")
	c.Assert(err, IsNil)
	c.Assert(e, Equals, Element(renamed))
	c.Assert(r.loads, Equals, 2)

	_, err = cache.VertexLabel(65)
	c.Assert(err, NotNil)
	_, err = cache.Element(99)
	c.Assert(errors.Cause(err), Equals, ErrSchemaNotFound)
}

func (s *testSchemaSuite) TestCacheSystemTypes(c *C) {
	cache := NewStandardCache(nil)
	t, err := cache.RelationType(DefinitionKeyID)
	c.Assert(err, IsNil)
	c.Assert(t, Equals, DefinitionKey)
	e, err := cache.ElementByName("~typename")
	c.Assert(err, IsNil)
	c.Assert(e, Equals, Element(TypeNameKey))
	idx, err := cache.Index(NameIndexID)
	c.Assert(err, IsNil)
	c.Assert(idx, Equals, NameIndex)
	c.Assert(cache.Len(), Equals, 0)
	label, err := cache.ElementByName("~vertexlabel")
	c.Assert(err, IsNil)
	c.Assert(label.Kind(), Equals, KindEdgeLabel)
	c.Assert(IsSchemaType(TypeNameKeyID), IsTrue)
	c.Assert(IsSchemaType(VertexLabelID), IsFalse)

	cache.Put(&VertexLabel{ID: 91, Name: "software"})
	cache.Put(&VertexLabel{ID: 90, Name: "person"})
	items := cache.Elems()
	c.Assert(items, HasLen, 2)
	c.Assert(items[0].Key, Equals, uint64(90))
}
