package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRename(t *testing.T) {
	var gotName, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		gotName = body["name"]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := NewRenamer(time.Second).Rename(context.Background(), srv.URL, "relay"); err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodPatch || gotName != "relay" {
		t.Fatalf("unexpected request %s name=%q", gotMethod, gotName)
	}
}

func TestRenameStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("bad token"))
	}))
	defer srv.Close()

	err := NewRenamer(time.Second).Rename(context.Background(), srv.URL, "relay")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Code != http.StatusUnauthorized || statusErr.Body != "bad token" {
		t.Fatalf("unexpected error %+v", statusErr)
	}
}

func TestRenameEmptyNameSkips(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	if err := NewRenamer(time.Second).Rename(context.Background(), srv.URL, ""); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no requests, got %d", calls.Load())
	}
}

func TestRenameAllIndependent(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer gone.Close()

	failures := NewRenamer(time.Second).RenameAll(context.Background(), []string{gone.URL, ok.URL}, "relay")
	if len(failures) != 1 {
		t.Fatalf("expected one failure, got %v", failures)
	}
	if _, failed := failures[gone.URL]; !failed {
		t.Fatalf("expected %s to fail, got %v", gone.URL, failures)
	}
}
