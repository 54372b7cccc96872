package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	ocppserver "github.com/balu-dk/go-ocpp-central/ocpp"
)

var rawMessageColumns = []string{
	"charge_point_id", "seq", "timestamp", "direction",
	"message_type", "action", "message_id", "message",
}

// PgxFrameArchive writes archived frames into raw_message_logs with COPY.
// It is used instead of Service.SaveFrames when frame volume is high.
type PgxFrameArchive struct {
	pool *pgxpool.Pool
}

var _ ocppserver.FrameStore = (*PgxFrameArchive)(nil)

func NewPgxFrameArchive(ctx context.Context, url string) (*PgxFrameArchive, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("frame archive: %w", err)
	}
	return &PgxFrameArchive{pool: pool}, nil
}

func (a *PgxFrameArchive) SaveFrames(ctx context.Context, frames []ocppserver.ArchivedFrame) error {
	if len(frames) == 0 {
		return nil
	}
	n, err := a.pool.CopyFrom(ctx, pgx.Identifier{"raw_message_logs"}, rawMessageColumns, pgx.CopyFromRows(frameRows(frames)))
	if err != nil {
		return fmt.Errorf("copy frames: %w", err)
	}
	if int(n) != len(frames) {
		return fmt.Errorf("copy frames: wrote %d of %d", n, len(frames))
	}
	return nil
}

func (a *PgxFrameArchive) Close() {
	if a != nil && a.pool != nil {
		a.pool.Close()
	}
}

func frameRows(frames []ocppserver.ArchivedFrame) [][]any {
	rows := make([][]any, len(frames))
	for i, f := range frames {
		rows[i] = []any{
			f.ChargePointID, int64(f.Seq), f.Timestamp, f.Direction,
			f.MessageType, f.Action, f.MessageID, f.Message,
		}
	}
	return rows
}
