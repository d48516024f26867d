package db

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	Driver          string `json:"driver"`
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// HealthSource is a store that can be pinged and report pool statistics.
type HealthSource interface {
	Ping(ctx context.Context) error
	Stats() *PoolStats
}

type pgHealth struct{ pool *pgxpool.Pool }

// PoolHealth adapts a pgx pool to HealthSource.
func PoolHealth(pool *pgxpool.Pool) HealthSource { return pgHealth{pool: pool} }

func (h pgHealth) Ping(ctx context.Context) error { return h.pool.Ping(ctx) }
func (h pgHealth) Stats() *PoolStats             { return GetPoolStats(h.pool) }

type sqlHealth struct{ db *sql.DB }

// SQLiteHealth adapts a database/sql handle to HealthSource.
func SQLiteHealth(db *sql.DB) HealthSource { return sqlHealth{db: db} }

func (h sqlHealth) Ping(ctx context.Context) error { return h.db.PingContext(ctx) }

func (h sqlHealth) Stats() *PoolStats {
	s := h.db.Stats()
	return &PoolStats{
		Driver:          "sqlite",
		TotalConns:      int32(s.OpenConnections),
		IdleConns:       int32(s.Idle),
		AcquiredConns:   int32(s.InUse),
		MaxConns:        int32(s.MaxOpenConnections),
		AcquireCount:    s.WaitCount,
		AcquireDuration: s.WaitDuration.String(),
		Healthy:         true,
	}
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		Driver:          "postgres",
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// HealthHandler returns a handler for the database health check endpoint.
func HealthHandler(src HealthSource) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		err := src.Ping(ctx)
		stats := src.Stats()

		if err != nil {
			stats.Healthy = false
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
				"pool":   stats,
			})
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"pool":   stats,
		})
	}
}
