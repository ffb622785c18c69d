// Package feed turns a stream of newline-delimited JSON work requests into
// dispatcher submissions and writes one result line per request.
package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/daedalus/daedalus_client/internal/dispatch"
	"github.com/daedalus/daedalus_client/internal/i18n"
	"github.com/daedalus/daedalus_client/internal/util"
)

const (
	DefaultConcurrency = 4
	maxLineSize        = 4 << 20
)

type Request struct {
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
	SHA1    string          `json:"sha1,omitempty"`
}

type Result struct {
	ID      string          `json:"id"`
	Outcome string          `json:"outcome"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Retries int             `json:"retries"`
}

type Submitter interface {
	Submit(ctx context.Context, item *dispatch.WorkItem) dispatch.Outcome
}

type Feed struct {
	submitter   Submitter
	concurrency int
	logger      *util.Logger

	writeMu sync.Mutex
}

func New(submitter Submitter, concurrency int) *Feed {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Feed{
		submitter:   submitter,
		concurrency: concurrency,
		logger:      util.Component("feed"),
	}
}

// Run reads requests from r until EOF or until ctx ends, then waits for the
// submissions it started. Cancelling ctx stops intake only: submissions
// already started run to their outcome. Run returns nil on EOF and ctx's
// error on cancellation.
func (f *Feed) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	enc := json.NewEncoder(w)
	in := &intake{
		lines:   make(chan []byte),
		readErr: make(chan error, 1),
	}
	go f.scan(ctx, r, in, enc)
	defer in.stop()

	lines, readErr := in.lines, in.readErr
	workCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(f.concurrency)

	var result error
loop:
	for {
		select {
		case <-ctx.Done():
			result = ctx.Err()
			break loop
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil && !util.IsExpectedError(err) {
					f.logger.LogError(i18n.T("feed_read_failed", nil), err, nil)
					result = err
				}
				break loop
			}
			if len(line) == 0 {
				continue
			}

			var req Request
			if err := json.Unmarshal(line, &req); err != nil {
				f.write(enc, Result{
					Outcome: dispatch.KindFatal.String(),
					Error:   i18n.T("feed_invalid_request", map[string]any{"Error": err}),
				})
				continue
			}

			g.Go(func() error {
				f.process(workCtx, enc, req)
				return nil
			})
		}
	}

	_ = g.Wait()
	return result
}

// intake hands lines from the scanner to Run. The scanner holds mu while it
// owns a line that Run has not taken, so stop waits for that line to be
// answered.
type intake struct {
	lines   chan []byte
	readErr chan error

	mu      sync.Mutex
	stopped bool
}

func (in *intake) stop() {
	in.mu.Lock()
	in.stopped = true
	in.mu.Unlock()
}

// scan reads lines from r into in.lines. A line already read when ctx ends
// is answered with a fatal result instead of being dropped.
func (f *Feed) scan(ctx context.Context, r io.Reader, in *intake, enc *json.Encoder) {
	defer close(in.lines)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)

		in.mu.Lock()
		if in.stopped {
			in.mu.Unlock()
			return
		}
		select {
		case in.lines <- line:
			in.mu.Unlock()
		case <-ctx.Done():
			f.reject(enc, line)
			in.mu.Unlock()
			return
		}
	}
	in.readErr <- scanner.Err()
}

func (f *Feed) reject(enc *json.Encoder, line []byte) {
	if len(line) == 0 {
		return
	}

	var req Request
	_ = json.Unmarshal(line, &req)
	f.write(enc, Result{
		ID:      req.ID,
		Outcome: dispatch.KindFatal.String(),
		Error:   dispatch.ErrDispatcherClosed.Error(),
	})
}

func (f *Feed) process(ctx context.Context, enc *json.Encoder, req Request) {
	item := &dispatch.WorkItem{
		CorrelationID: req.ID,
		Payload:       req.Payload,
		ExpectedSHA1:  req.SHA1,
	}
	outcome := f.submitter.Submit(ctx, item)

	res := Result{
		ID:      item.CorrelationID,
		Outcome: outcome.Kind.String(),
		Retries: item.Retries,
	}
	if outcome.IsSuccess() {
		res.Result = outcome.Value
	} else if outcome.Err != nil {
		res.Error = outcome.Err.Error()
	}
	f.write(enc, res)
}

func (f *Feed) write(enc *json.Encoder, res Result) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := enc.Encode(res); err != nil {
		f.logger.LogError(i18n.T("feed_write_failed", nil), err, map[string]any{"id": res.ID})
	}
}
