package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Storage backends.
const (
	BackendMemory  = "memory"
	BackendBadger  = "badger"
	BackendLevelDB = "leveldb"
)

type Config struct {
	Graph    Graph    `toml:"graph"`
	Storage  Storage  `toml:"storage"`
	Locks    Locks    `toml:"locks"`
	Index    Index    `toml:"index"`
	TxLog    TxLog    `toml:"tx-log"`
	Eviction Eviction `toml:"eviction"`

	Log log.Config `toml:"log"`
}

type Graph struct {
	Name string `toml:"name"`
	// InstanceID identifies this process in the cluster. A random id is generated when empty.
	InstanceID string `toml:"instance-id"`
	// IDBlockSize is the number of ids reserved from the store at a time.
	IDBlockSize uint64 `toml:"id-block-size"`
}

type Storage struct {
	Backend string `toml:"backend"`
	DBPath  string `toml:"db-path"` // Directory to store the data in. Should exist and be writable.

	ValueThreshold int      `toml:"value-threshold"` // If value size >= this threshold, only store value offsets in tree.
	MaxTableSize   ByteSize `toml:"max-table-size"`  // Each table is at most this size.
	VlogFileSize   ByteSize `toml:"vlog-file-size"`  // Value log file size.
	// Sync all writes to disk. Setting this to true would slow down data loading significantly.
	SyncWrite     bool `toml:"sync-write"`
	NumCompactors int  `toml:"num-compactors"`
}

type Locks struct {
	// Expire is the age after which a lock left behind by a crashed instance may be taken over.
	Expire Duration `toml:"expire"`
	// Wait is how long an acquisition waits before checking a conflicting lock again.
	Wait    Duration `toml:"wait"`
	Retries int      `toml:"retries"`
}

type Index struct {
	// HashKeys prefixes composite index keys with a fingerprint of the key to spread them across the key space.
	HashKeys   bool   `toml:"hash-keys"`
	HashLength string `toml:"hash-length"` // "short" or "long"
}

type TxLog struct {
	Enabled bool `toml:"enabled"`
	// ReadInterval is the polling interval of log readers.
	ReadInterval Duration `toml:"read-interval"`
	// ReadLag keeps readers behind the wall clock so late writes of the same time slice are not missed.
	ReadLag    Duration `toml:"read-lag"`
	Partitions int      `toml:"partitions"`
	TimeSlice  Duration `toml:"time-slice"`
}

type Eviction struct {
	// AckPoll is the interval at which a receiver checks whether the transactions open at receipt have closed.
	AckPoll Duration `toml:"ack-poll"`
	// AckTimeout bounds the wait before an acknowledgment is sent regardless.
	AckTimeout Duration `toml:"ack-timeout"`
	// AckWaiters is the number of acknowledgments waiting on open transactions at once.
	AckWaiters int `toml:"ack-waiters"`
	// AckQueue is how many received evictions may wait for a free waiter. Evictions beyond it get a waiter of
	// their own.
	AckQueue int `toml:"ack-queue"`
	// RegistryPoll is how often the broadcaster drops instances no longer registered.
	RegistryPoll Duration `toml:"registry-poll"`
}

const MB = 1024 * 1024

var DefaultConf = Config{
	Graph: Graph{
		Name:        "tinygraph",
		IDBlockSize: 1000,
	},
	Storage: Storage{
		Backend:        BackendBadger,
		DBPath:         "/tmp/tinygraph",
		ValueThreshold: 256,
		MaxTableSize:   64 * MB,
		VlogFileSize:   256 * MB,
		SyncWrite:      true,
		NumCompactors:  1,
	},
	Locks: Locks{
		Expire:  NewDuration(5 * time.Minute),
		Wait:    NewDuration(100 * time.Millisecond),
		Retries: 3,
	},
	Index: Index{
		HashLength: "short",
	},
	TxLog: TxLog{
		ReadInterval: NewDuration(5 * time.Second),
		ReadLag:      NewDuration(time.Second),
		Partitions:   4,
		TimeSlice:    NewDuration(10 * time.Second),
	},
	Eviction: Eviction{
		AckPoll:      NewDuration(100 * time.Millisecond),
		AckTimeout:   NewDuration(60 * time.Second),
		AckWaiters:   4,
		AckQueue:     128,
		RegistryPoll: NewDuration(5 * time.Second),
	},
	Log: log.Config{
		Level: getLogLevel(),
	},
}

// NewTestConfig returns an in-memory configuration with short intervals.
func NewTestConfig() *Config {
	c := DefaultConf
	c.Storage.Backend = BackendMemory
	c.Storage.DBPath = ""
	c.Storage.SyncWrite = false
	c.Locks.Wait = NewDuration(10 * time.Millisecond)
	c.TxLog.ReadInterval = NewDuration(50 * time.Millisecond)
	c.TxLog.ReadLag = NewDuration(0)
	c.TxLog.TimeSlice = NewDuration(time.Second)
	c.Eviction.AckPoll = NewDuration(10 * time.Millisecond)
	c.Eviction.AckTimeout = NewDuration(2 * time.Second)
	c.Eviction.RegistryPoll = NewDuration(50 * time.Millisecond)
	return &c
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

// Load reads a TOML file on top of the defaults.
func Load(path string) (*Config, error) {
	c := DefaultConf
	meta, err := toml.DecodeFile(path, &c)
	if err != nil {
		return nil, errors.Annotatef(err, "load config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, errors.Errorf("config contains undefined item: %s", strings.Join(keys, ", "))
	}
	return &c, c.Validate()
}

func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendBadger, BackendLevelDB:
		if c.Storage.DBPath == "" {
			return fmt.Errorf("storage backend %s needs a db-path", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Graph.IDBlockSize == 0 {
		return fmt.Errorf("id-block-size must be greater than 0")
	}
	if c.Index.HashLength != "short" && c.Index.HashLength != "long" {
		return fmt.Errorf("hash-length must be short or long, got %q", c.Index.HashLength)
	}
	if c.TxLog.Partitions <= 0 {
		return fmt.Errorf("tx-log partitions must be greater than 0")
	}
	if c.Eviction.AckPoll.Duration <= 0 || c.Eviction.AckTimeout.Duration < c.Eviction.AckPoll.Duration {
		return fmt.Errorf("eviction ack-timeout must not be shorter than ack-poll")
	}
	if c.Eviction.AckWaiters <= 0 || c.Eviction.AckQueue <= 0 {
		return fmt.Errorf("eviction ack-waiters and ack-queue must be greater than 0")
	}
	if c.Locks.Retries < 0 {
		return fmt.Errorf("lock retries must not be negative")
	}
	return nil
}

// SetupLogger initializes the global logger from the log section.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(lg, p)
	return nil
}

// ByteSize is a size in bytes written as a human readable string such as "64MiB" in TOML.
type ByteSize uint64

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(units.BytesSize(float64(b))), nil
}

func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := units.RAMInBytes(string(text))
	if err != nil {
		return errors.Trace(err)
	}
	*b = ByteSize(v)
	return nil
}

// Duration is a time.Duration written as a string such as "100ms" in TOML.
type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.Trace(err)
}
