// Package config provides skein configuration via Viper.
package config

// Config represents the core skein configuration
type Config struct {
	Database    DatabaseConfig     `mapstructure:"database"`
	Cache       CacheConfig        `mapstructure:"cache"`
	Worker      WorkerConfig       `mapstructure:"worker"`
	Bulk        BulkConfig         `mapstructure:"bulk"`
	EntityTypes []EntityTypeConfig `mapstructure:"entity_types"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// CacheConfig configures the Redis progress/result cache.
// Addr empty means the in-memory cache is used instead.
type CacheConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// TTLs in seconds. Progress entries are high-frequency/low-value,
	// results are low-frequency/high-value, so they expire independently.
	ProgressTTLSeconds int `mapstructure:"progress_ttl_seconds"` // default: 3600 (1h)
	ResultTTLSeconds   int `mapstructure:"result_ttl_seconds"`   // default: 86400 (24h)
}

// WorkerConfig configures the background worker pool
type WorkerConfig struct {
	Workers             int `mapstructure:"workers"`               // concurrent job workers (default: 2)
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"` // queue poll cadence (default: 1)
}

// EntityTypeConfig declares one entity type in the config file. The serve
// command registers these with the schema registry at startup; embedding
// applications usually register descriptors in code instead.
type EntityTypeConfig struct {
	Name     string              `mapstructure:"name"`
	Table    string              `mapstructure:"table"`
	IDColumn string              `mapstructure:"id_column"`
	Fields   []EntityFieldConfig `mapstructure:"fields"`
}

// EntityFieldConfig declares one field of a configured entity type
type EntityFieldConfig struct {
	Name     string `mapstructure:"name"`
	Kind     string `mapstructure:"kind"` // string, int, float, bool, time
	Required bool   `mapstructure:"required"`
	// Relation names the entity type this field references; relation
	// fields store the referenced row's id in the <name>_id column
	Relation string `mapstructure:"relation"`
}

// BulkConfig configures bulk operation limits
type BulkConfig struct {
	MaxSyncItems int `mapstructure:"max_sync_items"` // largest batch executed inline (default: 50)
	ChunkSize    int `mapstructure:"chunk_size"`     // lookup/update chunk size (default: 500)
}
