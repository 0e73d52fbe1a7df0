package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/openatlas/trail/internal/db"
)

// pgxStores binds the entity and history stores to a shared pool and hands
// out transaction-scoped store pairs.
type pgxStores struct {
	conn *db.Connection
}

// NewPgxStores creates a TxRunner over the given connection.
func NewPgxStores(conn *db.Connection) TxRunner {
	return &pgxStores{conn: conn}
}

func (s *pgxStores) WithTx(ctx context.Context, fn func(Stores) error) error {
	return s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(Stores{
			Entities: NewEntityRepository(tx),
			History:  NewHistoryRepository(tx),
		})
	})
}

func (s *pgxStores) View() Stores {
	return Stores{
		Entities: NewEntityRepository(s.conn.Pool),
		History:  NewHistoryRepository(s.conn.Pool),
	}
}
