package db

import (
	"context"
	"errors"
)

func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.raw == nil {
		return errors.New("database not configured")
	}
	return d.raw.PingContext(ctx)
}
