package db

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestStoreHealthHandler_MemoryStore(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := StoreHealthHandler(nil, time.Second)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body StoreStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Status != StoreUp || body.Store != "memory" || body.Pool != nil {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestCheckStore_NilPool(t *testing.T) {
	st := CheckStore(context.Background(), nil)
	if st.Status != StoreUp || st.Error != "" {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestStoreStatus_OmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(StoreStatus{Status: StoreDown, Store: "postgres", Error: "connection refused",
		Pool: &PoolUsage{Total: 1, Max: 10, AcquireWait: "250ms"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	pool, ok := m["pool"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing pool in %s", data)
	}
	for _, key := range []string{"total", "idle", "in_use", "max", "acquires", "acquire_wait"} {
		if _, ok := pool[key]; !ok {
			t.Errorf("missing pool key %q", key)
		}
	}

	data, _ = json.Marshal(StoreStatus{Status: StoreUp, Store: "memory"})
	if string(data) != `{"status":"up","store":"memory"}` {
		t.Errorf("unexpected memory body %s", data)
	}
}
