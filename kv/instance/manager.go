package instance

import (
	"io"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// ErrGraphNotFound is returned when no open graph has the requested name.
var ErrGraphNotFound = errors.New("instance: graph not open")

// GraphManager tracks the graphs open in this process by name.
type GraphManager struct {
	mu     sync.Mutex
	graphs map[string]io.Closer
}

func NewGraphManager() *GraphManager {
	return &GraphManager{graphs: make(map[string]io.Closer)}
}

// Put registers g under name, replacing a graph of the same name.
func (m *GraphManager) Put(name string, g io.Closer) {
	m.mu.Lock()
	m.graphs[name] = g
	m.mu.Unlock()
}

func (m *GraphManager) Get(name string) (io.Closer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.graphs[name]
	return g, ok
}

// RemoveGraph closes the graph called name and forgets it.
func (m *GraphManager) RemoveGraph(name string) error {
	m.mu.Lock()
	g, ok := m.graphs[name]
	delete(m.graphs, name)
	m.mu.Unlock()
	if !ok {
		return errors.Annotatef(ErrGraphNotFound, "graph %s", name)
	}
	log.Info("evict graph", zap.String("graph", name))
	return errors.Trace(g.Close())
}

func (m *GraphManager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.graphs))
	for name := range m.graphs {
		names = append(names, name)
	}
	return names
}
