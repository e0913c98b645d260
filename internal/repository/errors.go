package repository

import "errors"

// ErrStaleVersion is returned when an optimistic update finds the row at a
// different version than the caller read.
var ErrStaleVersion = errors.New("repository: stale version")

func pageBounds(limit, offset int) (int, int) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
