package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// Store health states.
const (
	StoreUp   = "up"
	StoreDown = "down"
)

// StoreStatus is the /health/db body.
type StoreStatus struct {
	Status string     `json:"status"`
	Store  string     `json:"store"`
	Error  string     `json:"error,omitempty"`
	Pool   *PoolUsage `json:"pool,omitempty"`
}

// PoolUsage summarizes connection use by the definition store.
type PoolUsage struct {
	Total       int32  `json:"total"`
	Idle        int32  `json:"idle"`
	InUse       int32  `json:"in_use"`
	Max         int32  `json:"max"`
	Acquires    int64  `json:"acquires"`
	AcquireWait string `json:"acquire_wait"`
}

func poolUsage(stat *pgxpool.Stat) *PoolUsage {
	return &PoolUsage{
		Total:       stat.TotalConns(),
		Idle:        stat.IdleConns(),
		InUse:       stat.AcquiredConns(),
		Max:         stat.MaxConns(),
		Acquires:    stat.AcquireCount(),
		AcquireWait: stat.AcquireDuration().String(),
	}
}

// CheckStore pings the definition store. A nil pool means definitions are
// held in memory, which is always up.
func CheckStore(ctx context.Context, pool *pgxpool.Pool) StoreStatus {
	if pool == nil {
		return StoreStatus{Status: StoreUp, Store: "memory"}
	}
	st := StoreStatus{Status: StoreUp, Store: "postgres"}
	if err := pool.Ping(ctx); err != nil {
		st.Status = StoreDown
		st.Error = err.Error()
	}
	st.Pool = poolUsage(pool.Stat())
	return st
}

// StoreHealthHandler answers 503 while the definition store is down.
func StoreHealthHandler(pool *pgxpool.Pool, timeout time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
		defer cancel()

		st := CheckStore(ctx, pool)
		code := http.StatusOK
		if st.Status != StoreUp {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, st)
	}
}
