package blob_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/mind-engage/gradesync/internal/blob"
)

func TestFSStore(t *testing.T) {
	s, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	key, err := s.Put(ctx, blob.RunKey("r1", "export.zip"), strings.NewReader("zipdata"))
	if err != nil || key != "runs/r1/export.zip" {
		t.Fatalf("put = %q, %v", key, err)
	}
	if _, err := s.Put(ctx, "runs/r2/grader.csv", strings.NewReader("csv")); err != nil {
		t.Fatal(err)
	}

	rc, err := s.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(rc)
	rc.Close()
	if string(b) != "zipdata" {
		t.Fatalf("get = %q", b)
	}

	keys, err := s.List(ctx, "runs/r1/")
	if err != nil || len(keys) != 1 || keys[0] != key {
		t.Fatalf("list = %v, %v", keys, err)
	}

	if _, err := s.Get(ctx, "runs/none"); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for _, bad := range []string{"", "../escape", "runs/../../x"} {
		if _, err := s.Put(ctx, bad, strings.NewReader("x")); !errors.Is(err, blob.ErrInvalidKey) {
			t.Fatalf("Put(%q) expected ErrInvalidKey, got %v", bad, err)
		}
	}
}
