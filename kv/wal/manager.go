package wal

import (
	"sync"

	"github.com/pingcap-incubator/tinygraph/kv/config"
	"github.com/pingcap-incubator/tinygraph/kv/storage/kcvs"
	"github.com/pingcap-incubator/tinygraph/kv/util/engine_util"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Well known logs.
const (
	TransactionLog = "txlog"
	ManagementLog  = "systemlog"
)

// Manager opens the logs of one graph instance. Each log lives in its own store.
type Manager struct {
	sync.Mutex
	kcvs     *kcvs.Manager
	senderID string
	conf     config.TxLog
	logs     map[string]*Log
}

func NewManager(manager *kcvs.Manager, senderID string, conf config.TxLog) *Manager {
	return &Manager{kcvs: manager, senderID: senderID, conf: conf, logs: make(map[string]*Log)}
}

func storeName(name string) string {
	switch name {
	case TransactionLog:
		return engine_util.CfTxLog
	case ManagementLog:
		return engine_util.CfSystemLog
	}
	return engine_util.UserLogCF(name)
}

// OpenLog returns the log called name, opening it on first use.
func (m *Manager) OpenLog(name string) *Log {
	m.Lock()
	defer m.Unlock()
	if l, ok := m.logs[name]; ok {
		return l
	}
	l := newLog(name, m.kcvs.OpenDatabase(storeName(name)), m.senderID, m.conf)
	m.logs[name] = l
	log.Debug("open log", zap.String("log", name), zap.String("sender", m.senderID))
	return l
}

func (m *Manager) Close() error {
	m.Lock()
	defer m.Unlock()
	for name, l := range m.logs {
		if err := l.Close(); err != nil {
			log.Warn("close log failed", zap.String("log", name), zap.Error(err))
		}
	}
	m.logs = make(map[string]*Log)
	return nil
}
