package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/conversocial/shardmonster/pkg/migration"
	"github.com/conversocial/shardmonster/pkg/monitoring"
)

func newTestServer(status MigrationStatusFunc) *AdminServer {
	return NewAdminServer("127.0.0.1:0", monitoring.New().Handler(), status, zap.NewNop())
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(func() *migration.Status { return nil })

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != `{"status":"ok"}` {
		t.Errorf("Unexpected body: %s", rec.Body.String())
	}
}

func TestMigrationStatus_NoneActive(t *testing.T) {
	srv := newTestServer(func() *migration.Status { return nil })

	req := httptest.NewRequest("GET", "/migration", nil)
	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestMigrationStatus_Active(t *testing.T) {
	srv := newTestServer(func() *migration.Status {
		return &migration.Status{
			Collection:  "dummy",
			ShardKey:    "1",
			NewLocation: "cluster-2/db",
			Phase:       migration.PhaseCopy,
			Inserted:    42,
		}
	})

	req := httptest.NewRequest("GET", "/migration", nil)
	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var status migration.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if status.Phase != migration.PhaseCopy || status.Inserted != 42 {
		t.Errorf("Unexpected status: %+v", status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(func() *migration.Status { return nil })

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}
