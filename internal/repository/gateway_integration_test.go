package repository

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestGatewayPostgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := New(ctx, PoolConfig{URL: dsn, ConnectAttempts: 1}, zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cpID := fmt.Sprintf("CP_IT_%d", time.Now().UnixNano())
	defer func() {
		_, _ = db.Pool.Exec(context.Background(), "DELETE FROM transactions WHERE cp_id = $1", cpID)
		_, _ = db.Pool.Exec(context.Background(), "DELETE FROM connectors WHERE cp_id = $1", cpID)
		_, _ = db.Pool.Exec(context.Background(), "DELETE FROM charge_points WHERE id = $1", cpID)
	}()

	exerciseStore(t, NewGateway(db), cpID)
}
