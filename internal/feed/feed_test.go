package feed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/daedalus/daedalus_client/internal/dispatch"
)

type fakeSubmitter struct {
	mu      sync.Mutex
	items   []dispatch.WorkItem
	active  atomic.Int32
	peak    atomic.Int32
	delay   time.Duration
	outcome func(item *dispatch.WorkItem) dispatch.Outcome
}

func (s *fakeSubmitter) Submit(ctx context.Context, item *dispatch.WorkItem) dispatch.Outcome {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	s.items = append(s.items, *item)
	s.mu.Unlock()

	if s.outcome != nil {
		return s.outcome(item)
	}
	return dispatch.Success(item.Payload)
}

func decodeResults(t *testing.T, out string) map[string]Result {
	t.Helper()
	results := make(map[string]Result)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var res Result
		if err := json.Unmarshal(scanner.Bytes(), &res); err != nil {
			t.Fatalf("Invalid result line %q: %v", scanner.Text(), err)
		}
		results[res.ID] = res
	}
	return results
}

func TestFeedRun(t *testing.T) {
	submitter := &fakeSubmitter{
		outcome: func(item *dispatch.WorkItem) dispatch.Outcome {
			if item.CorrelationID == "bad" {
				item.Retries = 3
				return dispatch.Fatal(errors.New("remote error not_found"))
			}
			return dispatch.Success(item.Payload)
		},
	}

	input := strings.Join([]string{
		`{"id":"a","payload":{"version":"1.20.1"}}`,
		``,
		`{"id":"bad","payload":1,"sha1":"abc"}`,
		`not json`,
	}, "\n")

	var out bytes.Buffer
	if err := New(submitter, 2).Run(context.Background(), strings.NewReader(input), &out); err != nil {
		t.Fatalf("Expected nil at EOF, got %v", err)
	}

	results := decodeResults(t, out.String())
	if len(results) != 3 {
		t.Fatalf("Expected 3 result lines, got %d: %s", len(results), out.String())
	}

	if res := results["a"]; res.Outcome != "success" || string(res.Result) != `{"version":"1.20.1"}` {
		t.Errorf("Unexpected result for a: %+v", res)
	}
	if res := results["bad"]; res.Outcome != "fatal" || res.Error == "" || res.Retries != 3 {
		t.Errorf("Unexpected result for bad: %+v", res)
	}
	if res := results[""]; res.Outcome != "fatal" {
		t.Errorf("Expected invalid line to produce a fatal result, got %+v", res)
	}

	for _, item := range submitter.items {
		if item.CorrelationID == "bad" && item.ExpectedSHA1 != "abc" {
			t.Errorf("Expected sha1 to be passed through, got %q", item.ExpectedSHA1)
		}
	}
}

func TestFeedConcurrencyLimit(t *testing.T) {
	submitter := &fakeSubmitter{delay: 20 * time.Millisecond}

	var input strings.Builder
	for i := 0; i < 12; i++ {
		input.WriteString(`{"payload":1}` + "\n")
	}

	if err := New(submitter, 3).Run(context.Background(), strings.NewReader(input.String()), io.Discard); err != nil {
		t.Fatal(err)
	}

	if peak := submitter.peak.Load(); peak > 3 {
		t.Errorf("Expected at most 3 concurrent submissions, saw %d", peak)
	}
	if n := len(submitter.items); n != 12 {
		t.Errorf("Expected 12 submissions, got %d", n)
	}
}

func TestFeedCancelStopsIntake(t *testing.T) {
	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()

	submitter := &fakeSubmitter{delay: 50 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- New(submitter, 1).Run(ctx, pr, &out)
	}()

	if _, err := pw.Write([]byte(`{"id":"first","payload":1}` + "\n")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	// The submission started before cancel still completes.
	if res, ok := decodeResults(t, out.String())["first"]; !ok || res.Outcome != "success" {
		t.Errorf("Expected in-flight item to finish, got %s", out.String())
	}
}

func TestFeedScanAnswersHeldLine(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Nobody takes from lines, as when Run has already seen the cancel.
	in := &intake{lines: make(chan []byte), readErr: make(chan error, 1)}

	var out bytes.Buffer
	f := New(&fakeSubmitter{}, 1)
	f.scan(ctx, strings.NewReader(`{"id":"late","payload":1}`+"\n"+`{"id":"never","payload":2}`+"\n"), in, json.NewEncoder(&out))

	results := decodeResults(t, out.String())
	if len(results) != 1 {
		t.Fatalf("Expected one answered line, got %s", out.String())
	}
	res, ok := results["late"]
	if !ok {
		t.Fatalf("Expected a result for the held line, got %s", out.String())
	}
	if res.Outcome != dispatch.KindFatal.String() || res.Error != dispatch.ErrDispatcherClosed.Error() {
		t.Errorf("Expected a fatal dispatcher-closed result, got %+v", res)
	}
	if _, open := <-in.lines; open {
		t.Error("Expected scan to close lines")
	}
}
