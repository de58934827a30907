// Package blob archives raw exports (survey zips, grader CSVs, uploaded
// score files) next to the runs that consumed them.
package blob

import (
	"context"
	"errors"
	"io"
)

var (
	ErrInvalidKey = errors.New("blob: invalid key")
	ErrNotFound   = errors.New("blob: not found")
)

type Store interface {
	// Put stores r under key and returns the canonical key.
	Put(ctx context.Context, key string, r io.Reader) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// RunKey is the archive key of a file belonging to a run.
func RunKey(runID, name string) string {
	return "runs/" + runID + "/" + name
}
