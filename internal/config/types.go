package config

// Environment identifies the runtime environment where the indexer operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// StorageKind selects the entry store backend.
type StorageKind string

const (
	// StorageMemory keeps entries in process memory. Dev only.
	StorageMemory StorageKind = "memory"
	// StoragePostgres persists entries in PostgreSQL.
	StoragePostgres StorageKind = "postgres"
	// StorageRedis persists entries in Redis.
	StorageRedis StorageKind = "redis"
)
