package dataset

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiscoverShardsBasic(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "shard-000000.tar"))
	mustWrite(t, filepath.Join(dir, "nested", "shard-000001.tar"))
	mustWrite(t, filepath.Join(dir, "ignore.txt"))

	shards, err := DiscoverShards(dir)
	if err != nil {
		t.Fatalf("DiscoverShards error: %v", err)
	}
	want := []string{
		filepath.Join(dir, "nested", "shard-000001.tar"),
		filepath.Join(dir, "shard-000000.tar"),
	}
	if len(shards) != len(want) {
		t.Fatalf("expected %d shards, got %d", len(want), len(shards))
	}
	for i, shard := range want {
		if shards[i] != shard {
			t.Fatalf("shard[%d]=%s want %s", i, shards[i], shard)
		}
	}
}

func TestDiscoverShardsSingleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "train_291_32_x234.tar")
	mustWrite(t, path)

	shards, err := DiscoverShards(path)
	if err != nil {
		t.Fatalf("DiscoverShards error: %v", err)
	}
	if len(shards) != 1 || shards[0] != path {
		t.Fatalf("expected [%s], got %v", path, shards)
	}

	other := filepath.Join(dir, "train.h5")
	mustWrite(t, other)
	if _, err := DiscoverShards(other); err == nil {
		t.Fatal("expected error for non-tar file")
	}
}

func TestDiscoverShardsMissingRoot(t *testing.T) {
	if _, err := DiscoverShards(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for missing root")
	}
}

func mustWrite(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
