package storage

import (
	"context"
	"fmt"
	"path"
	"time"
)

// Archiver persists an immutable JSON document under a key.
type Archiver interface {
	Archive(ctx context.Context, key string, body []byte) error
}

// ObjectKey lays archived audit entries out by day:
//
//	<prefix>/audit/YYYY/MM/DD/<id>.json
func ObjectKey(prefix string, ts time.Time, id string) string {
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()
	return path.Join(prefix, "audit",
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", int(ts.Month())),
		fmt.Sprintf("%02d", ts.Day()),
		id+".json",
	)
}
