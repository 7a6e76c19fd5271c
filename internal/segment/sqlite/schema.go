package sqlite

import "math"

// liveSeq marks a row version that has not been retired.
const liveSeq = math.MaxInt64

const (
	createEmbeddings = "CREATE TABLE IF NOT EXISTS embeddings (" +
		"id INTEGER PRIMARY KEY AUTOINCREMENT, " +
		"embedding_id TEXT NOT NULL, " +
		"seq_id INTEGER NOT NULL, " +
		"deleted_seq_id INTEGER NOT NULL DEFAULT 9223372036854775807, " +
		"created_seq_id INTEGER NOT NULL" +
		")"

	createEmbeddingsLive    = "CREATE INDEX IF NOT EXISTS embeddings_live ON embeddings (embedding_id, deleted_seq_id)"
	createEmbeddingsDeleted = "CREATE INDEX IF NOT EXISTS embeddings_deleted ON embeddings (deleted_seq_id)"
	createEmbeddingsOrder   = "CREATE INDEX IF NOT EXISTS embeddings_order ON embeddings (created_seq_id)"

	createMetadata = "CREATE TABLE IF NOT EXISTS embedding_metadata (" +
		"id INTEGER NOT NULL, " +
		"key TEXT NOT NULL, " +
		"string_value TEXT, " +
		"int_value INTEGER, " +
		"float_value REAL, " +
		"bool_value INTEGER, " +
		"PRIMARY KEY (id, key)" +
		")"

	createMetadataString = "CREATE INDEX IF NOT EXISTS embedding_metadata_string ON embedding_metadata (key, string_value)"
	createMetadataInt    = "CREATE INDEX IF NOT EXISTS embedding_metadata_int ON embedding_metadata (key, int_value)"
	createMetadataFloat  = "CREATE INDEX IF NOT EXISTS embedding_metadata_float ON embedding_metadata (key, float_value)"

	createFulltext = "CREATE TABLE IF NOT EXISTS embedding_fulltext_search (" +
		"id INTEGER PRIMARY KEY, " +
		"string_value TEXT NOT NULL" +
		")"

	createMaxSeqID = "CREATE TABLE IF NOT EXISTS max_seq_id (" +
		"segment_id TEXT PRIMARY KEY, " +
		"seq_id INTEGER NOT NULL" +
		")"

	createHistoryFloor = "CREATE TABLE IF NOT EXISTS history_floor (" +
		"segment_id TEXT PRIMARY KEY, " +
		"seq_id INTEGER NOT NULL" +
		")"
)

var schema = []struct {
	name string
	stmt string
}{
	{"embeddings table", createEmbeddings},
	{"embeddings live index", createEmbeddingsLive},
	{"embeddings deleted index", createEmbeddingsDeleted},
	{"embeddings order index", createEmbeddingsOrder},
	{"embedding_metadata table", createMetadata},
	{"embedding_metadata string index", createMetadataString},
	{"embedding_metadata int index", createMetadataInt},
	{"embedding_metadata float index", createMetadataFloat},
	{"embedding_fulltext_search table", createFulltext},
	{"max_seq_id table", createMaxSeqID},
	{"history_floor table", createHistoryFloor},
}

const (
	selectMaxSeqID      = "SELECT seq_id FROM max_seq_id WHERE segment_id = ?"
	selectHistoryFloor  = "SELECT seq_id FROM history_floor WHERE segment_id = ?"
	upsertMaxSeqID      = "INSERT OR REPLACE INTO max_seq_id (segment_id, seq_id) VALUES (?, ?)"
	upsertHistoryFloor  = "INSERT OR REPLACE INTO history_floor (segment_id, seq_id) VALUES (?, ?)"
	selectLive          = "SELECT id, created_seq_id FROM embeddings WHERE embedding_id = ? AND deleted_seq_id = 9223372036854775807"
	insertEmbedding     = "INSERT INTO embeddings (embedding_id, seq_id, created_seq_id) VALUES (?, ?, ?)"
	retireEmbedding     = "UPDATE embeddings SET deleted_seq_id = ? WHERE id = ?"
	insertMetadata      = "INSERT INTO embedding_metadata (id, key, string_value, int_value, float_value, bool_value) VALUES (?, ?, ?, ?, ?, ?)"
	insertFulltext      = "INSERT INTO embedding_fulltext_search (id, string_value) VALUES (?, ?)"
	pruneMetadata       = "DELETE FROM embedding_metadata WHERE id IN (SELECT id FROM embeddings WHERE deleted_seq_id <= ?)"
	pruneFulltext       = "DELETE FROM embedding_fulltext_search WHERE id IN (SELECT id FROM embeddings WHERE deleted_seq_id <= ?)"
	pruneEmbeddings     = "DELETE FROM embeddings WHERE deleted_seq_id <= ?"
	countVisible        = "SELECT COUNT(*) FROM embeddings e WHERE e.seq_id <= ? AND e.deleted_seq_id > ?"
	selectVisibleColumn = "SELECT e.id, e.embedding_id, e.seq_id FROM embeddings e WHERE e.seq_id <= ? AND e.deleted_seq_id > ?"
	selectMetadataRows  = "SELECT id, key, string_value, int_value, float_value, bool_value FROM embedding_metadata WHERE id IN "
)
