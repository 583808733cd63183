package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type ctxKey string

const txKey ctxKey = "tx"

// TxManager はコンテキスト経由でトランザクションを伝播するTransactor。
type TxManager struct {
	db *sqlx.DB
}

// NewTxManager はTxManagerを生成する。
func NewTxManager(db *sqlx.DB) *TxManager {
	return &TxManager{db: db}
}

var _ Transactor = (*TxManager)(nil)

// WithTransaction はfnをトランザクション内で実行する。
// fnがエラーを返した場合はロールバックし、そのエラーを返す。
// 既にトランザクション内で呼ばれた場合は外側のトランザクションをそのまま使う。
func (m *TxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

func txFromContext(ctx context.Context) *sqlx.Tx {
	tx, _ := ctx.Value(txKey).(*sqlx.Tx)
	return tx
}

// executor はコンテキストにトランザクションがあればそれを、無ければdbを返す。
func executor(ctx context.Context, db *sqlx.DB) sqlx.ExtContext {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return db
}
