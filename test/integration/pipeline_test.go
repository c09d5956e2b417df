//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/HatiCode/rackwatch/pkg/graph"
	"github.com/HatiCode/rackwatch/pkg/inference"
	"github.com/HatiCode/rackwatch/pkg/storage"
	"github.com/HatiCode/rackwatch/pkg/telemetry"
)

var (
	testSchema     = telemetry.Schema{TimestampColumn: "timestamp", Columns: []string{"cpu_power", "cpu_temp"}}
	testTimestamps = []string{"2024-03-01T00:00:00Z", "2024-03-01T00:01:00Z", "2024-03-01T00:02:00Z"}
	testWindows    = []int{4, 24, 288}
)

// writeRacks lays out two racks of three nodes each.
func writeRacks(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for rack := 0; rack < 2; rack++ {
		for node := 0; node < 3; node++ {
			rows := make([][]float64, len(testTimestamps))
			for i := range rows {
				rows[i] = []float64{float64(100 + 10*node + i), float64(40 + node*rack)}
			}
			path := filepath.Join(dir, fmt.Sprint(rack), fmt.Sprintf("%d.parquet", node))
			if err := telemetry.WriteNodeFile(path, testSchema, testTimestamps, rows); err != nil {
				t.Fatalf("WriteNodeFile() error = %v", err)
			}
		}
	}
	return dir
}

func mockModel(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p graph.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		pred := make([]float64, len(p.X))
		for i, row := range p.X {
			pred[i] = row[0] / 10
		}
		json.NewEncoder(w).Encode(map[string]any{"prediction": pred})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// replay runs every timestamp through assemble, encode and inference, then
// persists the cache once per timestamp.
func replay(t *testing.T, ctx context.Context, dataDir, modelURL string, cache *storage.Cache, store storage.Store) {
	t.Helper()

	asm := telemetry.NewAssembler(dataDir, testSchema, nil)
	client := inference.New(modelURL, nil, nil)

	for _, ts := range testTimestamps {
		for rack := 0; rack < 2; rack++ {
			snap, err := asm.Assemble(ctx, rack, ts)
			if err != nil {
				t.Fatalf("Assemble(%d, %s) error = %v", rack, ts, err)
			}
			payload, err := graph.Encode(snap)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			for _, fw := range testWindows {
				scores, err := client.Predict(ctx, fw, rack, payload)
				if err != nil {
					t.Fatalf("Predict(%d, %d) error = %v", fw, rack, err)
				}
				cache.Put(storage.Key{Timestamp: ts, FW: fw, Rack: rack}, scores)
			}
		}
		if err := cache.Persist(ctx, store); err != nil {
			t.Fatalf("Persist() error = %v", err)
		}
	}
}

func assertRestored(t *testing.T, ctx context.Context, want *storage.Cache, store storage.Store) {
	t.Helper()

	restored, err := storage.LoadCache(ctx, store)
	if err != nil {
		t.Fatalf("LoadCache() error = %v", err)
	}
	if restored.Len() != len(testTimestamps)*2*len(testWindows) {
		t.Errorf("restored %d entries, want %d", restored.Len(), len(testTimestamps)*2*len(testWindows))
	}
	if !reflect.DeepEqual(restored.Snapshot().Records, want.Snapshot().Records) {
		t.Error("restored cache differs from the persisted one")
	}

	entries, err := restored.ByRack(1)
	if err != nil {
		t.Fatalf("ByRack(1) error = %v", err)
	}
	if entries[0].Timestamp != testTimestamps[0] || entries[0].FW != 4 || len(entries[0].Prediction) != 3 {
		t.Errorf("first entry = %+v", entries[0])
	}
}

// TestPipeline_PostgresRestart replays telemetry into a PostgreSQL-backed
// cache and checks a fresh instance restores it.
func TestPipeline_PostgresRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "rackwatch",
			"POSTGRES_PASSWORD": "rackwatch",
			"POSTGRES_DB":       "rackwatch",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pg); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pg.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := pg.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatal(err)
	}
	dsn := fmt.Sprintf("postgres://rackwatch:rackwatch@%s:%s/rackwatch?sslmode=disable", host, port.Port())

	store, err := storage.NewPostgresStore(ctx, dsn, "integration")
	if err != nil {
		t.Fatalf("NewPostgresStore() error = %v", err)
	}

	cache := storage.NewCache()
	replay(t, ctx, writeRacks(t), mockModel(t).URL, cache, store)
	store.Close()

	reopened, err := storage.NewPostgresStore(ctx, dsn, "integration")
	if err != nil {
		t.Fatalf("reopen NewPostgresStore() error = %v", err)
	}
	defer reopened.Close()
	assertRestored(t, ctx, cache, reopened)

	other, err := storage.NewPostgresStore(ctx, dsn, "other")
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	if _, found, err := other.Load(ctx); err != nil || found {
		t.Errorf("other snapshot name: found = %v, err = %v, want empty", found, err)
	}
}

// TestPipeline_RedisRestart does the same against Redis.
func TestPipeline_RedisRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	rc, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("Failed to start redis: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(rc); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})
	endpoint, err := rc.ConnectionString(ctx)
	if err != nil {
		t.Fatal(err)
	}
	addr := strings.TrimPrefix(endpoint, "redis://")

	store, err := storage.NewRedisStore(addr, "", 0, "rackwatch:integration")
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}

	cache := storage.NewCache()
	replay(t, ctx, writeRacks(t), mockModel(t).URL, cache, store)
	store.Close()

	reopened, err := storage.NewRedisStore(addr, "", 0, "rackwatch:integration")
	if err != nil {
		t.Fatalf("reopen NewRedisStore() error = %v", err)
	}
	defer reopened.Close()
	assertRestored(t, ctx, cache, reopened)
}
