package instance

import (
	"context"
	"encoding/binary"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinygraph/kv/storage/kcvs"
	"github.com/pingcap-incubator/tinygraph/kv/util/engine_util"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const instancesRowPrefix = "instances/"

// ErrAlreadyRegistered is returned when an instance id is registered twice.
var ErrAlreadyRegistered = errors.New("instance: already registered")

// NewID returns a random instance id.
func NewID() string {
	return uuid.New().String()
}

// Info describes a registered instance.
type Info struct {
	ID      string
	Started time.Time
}

// Registry records the live instances of a graph in the system store. All instances of a cluster share it through
// the storage engine.
type Registry struct {
	store *kcvs.Store
	row   []byte
	now   func() time.Time
}

func NewRegistry(manager *kcvs.Manager, graph string) *Registry {
	return &Registry{
		store: manager.OpenDatabase(engine_util.CfSystem),
		row:   []byte(instancesRowPrefix + graph),
		now:   time.Now,
	}
}

// Register adds id to the live instances.
func (r *Registry) Register(ctx context.Context, id string) error {
	entries, err := r.store.GetSlice(ctx, r.row, kcvs.PointSlice([]byte(id)))
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return errors.Annotatef(ErrAlreadyRegistered, "instance %s", id)
	}
	started := make([]byte, 8)
	binary.BigEndian.PutUint64(started, uint64(r.now().UnixNano()))
	if err := r.store.Mutate(ctx, r.row, []kcvs.Entry{kcvs.NewEntry([]byte(id), started)}, nil, nil); err != nil {
		return err
	}
	log.Info("instance registered", zap.String("instance", id))
	return nil
}

func (r *Registry) Deregister(ctx context.Context, id string) error {
	if err := r.store.Mutate(ctx, r.row, nil, [][]byte{[]byte(id)}, nil); err != nil {
		return err
	}
	log.Info("instance deregistered", zap.String("instance", id))
	return nil
}

// Instances returns the live instances ordered by id.
func (r *Registry) Instances(ctx context.Context) ([]Info, error) {
	entries, err := r.store.GetSlice(ctx, r.row, kcvs.SliceQuery{})
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		info := Info{ID: string(e.Column())}
		if v := e.Value(); len(v) == 8 {
			info.Started = time.Unix(0, int64(binary.BigEndian.Uint64(v)))
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// InstanceIDs returns the ids of the live instances.
func (r *Registry) InstanceIDs(ctx context.Context) ([]string, error) {
	infos, err := r.Instances(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(infos))
	for i, info := range infos {
		ids[i] = info.ID
	}
	return ids, nil
}
