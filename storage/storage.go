// Package storage holds the task sources, caches and key-value stores behind
// a board session.
package storage

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/bytedance/sonic"

	"prism-board/domain"
)

var lastID int64

// nextID returns a strictly increasing id derived from the wall clock in
// milliseconds. Millisecond ids stay exact in JSON numbers.
func nextID() int64 {
	for {
		now := time.Now().UnixMilli()
		last := atomic.LoadInt64(&lastID)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastID, last, now) {
			return now
		}
	}
}

// classify wraps a remote failure as NotFound for 404 responses and as
// Transient otherwise.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return domain.NotFound(op, err)
	}
	return domain.Transient(op, err)
}

func decodeRecord(data []byte) (domain.RawRecord, error) {
	var rec domain.RawRecord
	if err := sonic.ConfigStd.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func formatDue(d *time.Time) string {
	if d == nil {
		return ""
	}
	return d.UTC().Format(time.RFC3339)
}
