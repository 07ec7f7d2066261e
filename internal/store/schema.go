package store

// Schema creates every table the engine persists. Timestamps are unix
// nanoseconds so range queries compare the same way on every driver.
const Schema = `
CREATE TABLE IF NOT EXISTS agent_registry (
	agent_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	namespace TEXT NOT NULL,
	capabilities TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'active',
	registered_at INTEGER NOT NULL,
	last_active INTEGER NOT NULL,
	deregistered_at INTEGER NOT NULL DEFAULT 0,
	parent_agent TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_agent_registry_status ON agent_registry(status);

CREATE TABLE IF NOT EXISTS memory_namespaces (
	namespace_id TEXT PRIMARY KEY,
	scope TEXT NOT NULL,
	owner_agent TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	metadata TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS namespace_permissions (
	namespace_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	permissions INTEGER NOT NULL,
	granted_by TEXT NOT NULL,
	granted_at INTEGER NOT NULL,
	PRIMARY KEY (namespace_id, agent_id)
);
CREATE INDEX IF NOT EXISTS idx_namespace_permissions_agent ON namespace_permissions(agent_id);

CREATE TABLE IF NOT EXISTS memory_projections (
	projection_id TEXT PRIMARY KEY,
	source_namespace TEXT NOT NULL,
	target_namespace TEXT NOT NULL,
	filter_json TEXT NOT NULL DEFAULT '{}',
	compression_level INTEGER NOT NULL DEFAULT 0,
	live INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	created_by TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_projections_source ON memory_projections(source_namespace);

CREATE TABLE IF NOT EXISTS provenance_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	memory_id TEXT NOT NULL,
	hop_index INTEGER NOT NULL,
	agent_id TEXT NOT NULL,
	action TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	confidence_delta REAL NOT NULL DEFAULT 0,
	details TEXT NOT NULL DEFAULT '',
	UNIQUE (memory_id, hop_index)
);
CREATE INDEX IF NOT EXISTS idx_provenance_log_agent ON provenance_log(agent_id);

CREATE TABLE IF NOT EXISTS provenance_origins (
	memory_id TEXT PRIMARY KEY,
	origin_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cross_agent_relations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_memory TEXT NOT NULL,
	target_memory TEXT NOT NULL,
	relation TEXT NOT NULL,
	strength REAL NOT NULL DEFAULT 0,
	created_by TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cross_agent_relations_target ON cross_agent_relations(target_memory, relation);

CREATE TABLE IF NOT EXISTS agent_trust (
	agent_id TEXT NOT NULL,
	target_agent TEXT NOT NULL,
	overall_trust REAL NOT NULL,
	domain_trust TEXT NOT NULL DEFAULT '{}',
	evidence TEXT NOT NULL,
	domain_evidence TEXT NOT NULL DEFAULT '{}',
	last_updated INTEGER NOT NULL,
	PRIMARY KEY (agent_id, target_agent)
);

CREATE TABLE IF NOT EXISTS delta_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	target_agent TEXT NOT NULL,
	memory_id TEXT NOT NULL,
	source_agent TEXT NOT NULL,
	payload BLOB NOT NULL,
	enqueued_at INTEGER NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	delivered_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_delta_queue_pending ON delta_queue(target_agent, delivered_at, id);

CREATE TABLE IF NOT EXISTS memories (
	agent_id TEXT NOT NULL,
	memory_id TEXT NOT NULL,
	namespace TEXT NOT NULL,
	archived INTEGER NOT NULL DEFAULT 0,
	read_only INTEGER NOT NULL DEFAULT 0,
	content_hash TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (agent_id, memory_id)
);
CREATE INDEX IF NOT EXISTS idx_memories_namespace ON memories(agent_id, namespace);
CREATE INDEX IF NOT EXISTS idx_memories_memory ON memories(memory_id);

CREATE TABLE IF NOT EXISTS causal_graphs (
	agent_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	source_agent TEXT NOT NULL DEFAULT '',
	target_agent TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	memory_ids TEXT NOT NULL DEFAULT '[]',
	trust REAL NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_log_time ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_log_source ON audit_log(source_agent);
`
