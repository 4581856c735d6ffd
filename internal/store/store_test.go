package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pipeflow/pkg/schema"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenLibSQL("file:" + filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleState(runID string) *schema.PersistedState {
	return &schema.PersistedState{
		PipelineName: "build",
		RunID:        runID,
		CurrentStep:  2,
		StartTime:    1700000000,
		Data:         map[string]string{"input": "x", "rev": "abc123", "empty": ""},
	}
}

// testStateStore exercises the contract every backend must satisfy.
func testStateStore(t *testing.T, s StateStore) {
	t.Helper()
	ctx := context.Background()
	runID := uuid.NewString()
	key := Key("build", runID)

	t.Run("absent load", func(t *testing.T) {
		got, ok, err := s.Load(ctx, Key("build", "missing"))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, got)
	})

	t.Run("round trip", func(t *testing.T) {
		require.NoError(t, s.Save(ctx, key, sampleState(runID)))

		got, ok, err := s.Load(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "build", got.PipelineName)
		assert.Equal(t, runID, got.RunID)
		assert.Equal(t, 2, got.CurrentStep)
		assert.Equal(t, int64(1700000000), got.StartTime)
		assert.Equal(t, map[string]string{"input": "x", "rev": "abc123", "empty": ""}, got.Data)
		assert.False(t, got.UpdatedAt.IsZero())
	})

	t.Run("overwrite", func(t *testing.T) {
		st := sampleState(runID)
		st.CurrentStep = 3
		st.Data["rev"] = "def456"
		require.NoError(t, s.Save(ctx, key, st))

		got, ok, err := s.Load(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 3, got.CurrentStep)
		assert.Equal(t, "def456", got.Data["rev"])
	})

	t.Run("nil data loads as empty map", func(t *testing.T) {
		k := Key("build", "nil-data")
		require.NoError(t, s.Save(ctx, k, &schema.PersistedState{PipelineName: "build", RunID: "nil-data"}))
		got, ok, err := s.Load(ctx, k)
		require.NoError(t, err)
		require.True(t, ok)
		assert.NotNil(t, got.Data)
		assert.Empty(t, got.Data)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, key))
		_, ok, err := s.Load(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete absent", func(t *testing.T) {
		assert.NoError(t, s.Delete(ctx, Key("build", "never-saved")))
	})
}

// --- Backends ---

func TestMemoryStore(t *testing.T) {
	testStateStore(t, NewMemoryStore())
}

func TestMemoryStore_SaveCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	st := sampleState("r1")
	require.NoError(t, s.Save(ctx, "k", st))

	st.Data["rev"] = "mutated"
	got, _, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.Data["rev"])
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "states"))
	require.NoError(t, err)
	testStateStore(t, s)
}

func TestSQLStore_LibSQL(t *testing.T) {
	testStateStore(t, newTestSQLStore(t))
}

func TestSQLStore_Postgres(t *testing.T) {
	url := os.Getenv("PIPEFLOW_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PIPEFLOW_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := OpenPostgres(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	testStateStore(t, s)
}

func TestRedisStore(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	s, err := NewRedisStore(context.Background(), RedisConfig{Addr: server.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	testStateStore(t, s)
}

func TestRedisStore_KeyAndTTL(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	ctx := context.Background()
	s, err := NewRedisStore(ctx, RedisConfig{Addr: server.Addr(), TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Save(ctx, Key("build", "r1"), sampleState("r1")))
	assert.True(t, server.Exists("pipeflow:state:build-r1"))
	assert.Equal(t, time.Minute, server.TTL("pipeflow:state:build-r1"))

	server.FastForward(2 * time.Minute)
	_, ok, err := s.Load(ctx, Key("build", "r1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_RequiresAddr(t *testing.T) {
	_, err := NewRedisStore(context.Background(), RedisConfig{})
	assert.Error(t, err)
}

func TestBlobStore(t *testing.T) {
	s, err := NewBlobStore(context.Background(), "mem://", "states/")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	testStateStore(t, s)
}

func TestBlobStore_KeyFormat(t *testing.T) {
	ctx := context.Background()
	s, err := NewBlobStore(ctx, "mem://", "runs/")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Save(ctx, Key("build", "r1"), sampleState("r1")))
	exists, err := s.bucket.Exists(ctx, "runs/build-r1.json")
	require.NoError(t, err)
	assert.True(t, exists)
}

// --- Keys ---

func TestKey(t *testing.T) {
	assert.Equal(t, "build-1234", Key("build", "1234"))
	assert.Equal(t, "my-pipe-run-1", Key("my-pipe", "run-1"))
}

func TestSafeName(t *testing.T) {
	tests := []struct{ key, want string }{
		{"build-1", "build-1"},
		{"a/b\\c", "a%2Fb%5Cc"},
		{"team_etl-1", "team_etl-1"},
		{"team/etl-1", "team%2Fetl-1"},
		{"100%-1", "100%25-1"},
		{"..", "%2E%2E"},
		{".", "%2E"},
		{"", "%"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, safeName(tt.key), "key %q", tt.key)
	}
}

func TestFileStore_KeyCannotEscapeDir(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "states")
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Save(context.Background(), "../escape", sampleState("r1")))
	_, err = os.Stat(filepath.Join(root, "escape.json"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "..%2Fescape.json"))
	assert.NoError(t, err)
}

// testDistinctRunKeys saves two runs whose keys differ only in separator
// characters and checks neither sees the other's snapshot.
func testDistinctRunKeys(t *testing.T, s StateStore) {
	t.Helper()
	ctx := context.Background()
	slashed := Key("team/etl", "1")
	underscored := Key("team_etl", "1")

	st := sampleState("1")
	st.Data = map[string]string{"owner": "slash"}
	require.NoError(t, s.Save(ctx, slashed, st))

	_, ok, err := s.Load(ctx, underscored)
	require.NoError(t, err)
	assert.False(t, ok)

	st = sampleState("1")
	st.Data = map[string]string{"owner": "underscore"}
	require.NoError(t, s.Save(ctx, underscored, st))

	got, ok, err := s.Load(ctx, slashed)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "slash", got.Data["owner"])

	got, ok, err = s.Load(ctx, underscored)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "underscore", got.Data["owner"])
}

func TestFileStore_DistinctRunKeys(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	testDistinctRunKeys(t, s)
}

func TestBlobStore_DistinctRunKeys(t *testing.T) {
	s, err := NewBlobStore(context.Background(), "mem://", "states/")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	testDistinctRunKeys(t, s)
}

// --- File recovery ---

func TestFileStore_PromotesOrphanTemp(t *testing.T) {
	dir := t.TempDir()
	data := `{"pipeline_name":"build","run_id":"r1","current_step":1,"start_time":1,"data":{"a":"1"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "build-r1.json.tmp"), []byte(data), 0o644))

	s, err := NewFileStore(dir)
	require.NoError(t, err)

	got, ok, err := s.Load(context.Background(), "build-r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, "1", got.Data["a"])
	_, err = os.Stat(filepath.Join(dir, "build-r1.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStore_DropsStaleTemp(t *testing.T) {
	dir := t.TempDir()
	main := `{"pipeline_name":"build","run_id":"r1","current_step":4,"start_time":1,"data":{}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "build-r1.json"), []byte(main), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "build-r1.json.tmp"), []byte(`{"current_step":9}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "build-r2.json.tmp"), []byte(`{truncated`), 0o644))

	s, err := NewFileStore(dir)
	require.NoError(t, err)

	got, ok, err := s.Load(context.Background(), "build-r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, got.CurrentStep)

	_, ok, err = s.Load(context.Background(), "build-r2")
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "build-r1.json"), []byte("not json"), 0o644))
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	_, _, err = s.Load(context.Background(), "build-r1")
	assert.Error(t, err)
}

// --- Open ---

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name string
		cfg  Config
		want any
	}{
		{"default is file", Config{Dir: dir}, &FileStore{}},
		{"memory", Config{Backend: BackendMemory}, &MemoryStore{}},
		{"libsql under dir", Config{Backend: BackendLibSQL, Dir: filepath.Join(dir, "db")}, &SQLStore{}},
		{"blob", Config{Backend: BackendBlob, BlobURL: "mem://"}, &BlobStore{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(ctx, tt.cfg)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			assert.IsType(t, tt.want, s)
		})
	}
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, Config{Backend: "etcd"})
	assert.ErrorContains(t, err, "unknown state backend")

	_, err = Open(ctx, Config{Backend: BackendBlob})
	assert.Error(t, err)

	_, err = Open(ctx, Config{Backend: BackendPostgres})
	assert.Error(t, err)
}

// --- Migrations ---

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestSQLStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, len(migrations), version)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- only a comment;\nCREATE INDEX i ON a(x);")
	assert.Equal(t, []string{"-- header\nCREATE TABLE a (x INT)", "CREATE INDEX i ON a(x)"}, stmts)
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y = ?`
	assert.Equal(t, q, dialectLibSQL.rebind(q))
	assert.Equal(t, `SELECT a FROM t WHERE x = $1 AND y = $2`, dialectPostgres.rebind(q))
}
