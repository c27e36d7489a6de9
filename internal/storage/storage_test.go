package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/proxy-broadcast/internal/types"
)

func TestFileStorageLoadMissing(t *testing.T) {
	store, err := NewFileStorage(filepath.Join(t.TempDir(), "nested", "settings.json"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil settings, got %+v", got)
	}
}

func TestFileStorageSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	store, err := NewStorage("file", path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	want := &types.Settings{
		Payload: "hello",
		Targets: "https://a.example/hook,https://b.example/hook",
		Rounds:  3,
		Proxies: []types.ProxyAddress{"1.1.1.1:80"},
	}
	if err := store.Save(want); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatal(diff)
	}
}

func TestFileStorageLegacyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	legacy := `{"message": "hi", "webhook_url": "https://a.example/hook", "threads": 10, "proxy_file": "proxies.txt"}`
	if err := os.WriteFile(path, []byte(legacy), 0644); err != nil {
		t.Fatal(err)
	}

	store, err := NewFileStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	got, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.Payload != "hi" || got.Targets != "https://a.example/hook" || got.Rounds != 1 {
		t.Fatalf("unexpected settings %+v", got)
	}
}

func TestFileStorageCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	store, err := NewFileStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(); err == nil {
		t.Fatal("expected an error for a corrupt document")
	}
}

func TestNewStorageUnknown(t *testing.T) {
	if _, err := NewStorage("etcd", "x"); err == nil {
		t.Fatal("expected an error for unknown storage type")
	}
}

func TestSQLiteStorageSaveLoad(t *testing.T) {
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "settings.db"))
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	defer store.Close()

	got, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil settings, got %+v", got)
	}

	first := &types.Settings{Payload: "one", Rounds: 1, Proxies: []types.ProxyAddress{}}
	second := &types.Settings{Payload: "two", Targets: "https://a.example/hook", Rounds: 2, Proxies: []types.ProxyAddress{"2.2.2.2:80"}}
	for _, s := range []*types.Settings{first, second} {
		if err := store.Save(s); err != nil {
			t.Fatal(err)
		}
	}

	got, err = store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(second, got); diff != "" {
		t.Fatal(diff)
	}
}

func TestRedisStorageSaveLoad(t *testing.T) {
	addr := os.Getenv("PROXYBROADCAST_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PROXYBROADCAST_TEST_REDIS_ADDR not set")
	}
	store, err := NewRedisStorage(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	store.key = settingsKey + ":test"
	defer store.client.Del(context.Background(), store.key)

	got, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil settings, got %+v", got)
	}

	want := &types.Settings{Payload: "m", Targets: "https://a.example/hook", Rounds: 2, Proxies: []types.ProxyAddress{"3.3.3.3:80"}}
	if err := store.Save(want); err != nil {
		t.Fatal(err)
	}
	got, err = store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatal(diff)
	}
}
