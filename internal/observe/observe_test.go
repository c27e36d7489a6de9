package observe

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/proxy-broadcast/internal/types"
	log "github.com/sirupsen/logrus"
)

func TestQueueDeliversInOrder(t *testing.T) {
	var got []int
	q := NewQueue("test", 16, func(v int) { got = append(got, v) }, nil)
	for i := 0; i < 10; i++ {
		q.Send(i)
	}
	q.Close()

	want := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatal(diff)
	}
	if q.Dropped() != 0 {
		t.Fatalf("unexpected drops: %d", q.Dropped())
	}
}

func TestQueueNeverBlocksOnSlowSink(t *testing.T) {
	release := make(chan struct{})
	q := NewQueue("slow", 1, func(v int) { <-release }, nil)

	start := time.Now()
	for i := 0; i < 100; i++ {
		q.Send(i)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Send blocked for %v", elapsed)
	}
	if q.Dropped() == 0 {
		t.Fatal("expected drops with a stalled sink")
	}

	close(release)
	q.Close()
}

func TestQueueSendAfterClose(t *testing.T) {
	q := NewQueue("closed", 4, func(v int) {}, nil)
	q.Close()
	q.Send(1)
	q.Close()
	if q.Dropped() != 1 {
		t.Fatalf("expected one drop, got %d", q.Dropped())
	}
}

func TestAsyncAttemptConcurrentSenders(t *testing.T) {
	var mu sync.Mutex
	seen := 0
	sink := AttemptFunc(func(types.DispatchAttempt) {
		mu.Lock()
		seen++
		mu.Unlock()
	})
	async := NewAsyncAttempt("attempts", 1000, sink, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				async.ObserveAttempt(types.DispatchAttempt{})
			}
		}()
	}
	wg.Wait()
	async.Close()

	if int64(seen)+async.Dropped() != 500 {
		t.Fatalf("seen=%d dropped=%d", seen, async.Dropped())
	}
}

func TestMulti(t *testing.T) {
	var a, b int
	m := MultiProbe{
		ProbeFunc(func(types.ProbeResult) { a++ }),
		ProbeFunc(func(types.ProbeResult) { b++ }),
		Discard,
	}
	m.ObserveProbe(types.ProbeResult{})
	if a != 1 || b != 1 {
		t.Fatalf("a=%d b=%d", a, b)
	}
}

func TestLogObserver(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := log.New()
	logger.SetOutput(buf)
	logger.SetFormatter(&log.JSONFormatter{})

	obs := NewLogObserver(logger)
	obs.ObserveAttempt(types.DispatchAttempt{
		Proxy:   "1.2.3.4:80",
		Target:  "http://hook.invalid/x",
		Outcome: types.Outcome{Kind: types.OutcomeHTTPError, StatusCode: 429},
	})
	obs.ObserveProbe(types.ProbeResult{Address: "5.6.7.8:80", Reason: types.ReasonTimeout})

	out := buf.String()
	for _, want := range []string{`"status":429`, `"outcome":"http_error"`, `"reason":"timeout"`, `Proxy failed`} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}

func TestProgressObserver(t *testing.T) {
	p := NewProgressObserver(3, "Probing ", io.Discard)
	p.ObserveProbe(types.ProbeResult{})
	p.ObserveAttempt(types.DispatchAttempt{})
	p.Finish()
	if p.Current() != 2 {
		t.Fatalf("expected 2, got %d", p.Current())
	}
}

func TestProgressObserverSetTotal(t *testing.T) {
	p := NewProgressObserver(5, "Checking ", io.Discard)
	p.ObserveProbe(types.ProbeResult{})
	p.ObserveProbe(types.ProbeResult{})
	p.SetTotal(2)
	if p.bar.Total() != 2 || p.Current() != 2 {
		t.Fatalf("expected a full bar of 2, got %d/%d", p.Current(), p.bar.Total())
	}
	p.Finish()
}
