// Package transfer wraps a resumable HTTP file fetch behind a small
// begin/resume/pause/run contract. It owns all range-request mechanics;
// callers only see progress numbers, checkpoints and a final outcome.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cavaliergopher/grab/v3"
)

const defaultProgressInterval = 500 * time.Millisecond

// Options configure a single transfer. The user agent is fixed per adapter,
// not per transfer.
type Options struct {
	// Headers are added to the outgoing HTTP request.
	Headers map[string]string

	// ProgressInterval bounds how often OnProgress fires.
	ProgressInterval time.Duration

	// OnProgress is invoked with (bytesWritten, bytesExpectedTotal).
	// Total is -1 while unknown.
	OnProgress func(written, total int64)
}

// Checkpoint is the serializable state needed to resume an interrupted
// transfer. It is opaque to everything outside this package.
type Checkpoint struct {
	URL             string    `json:"url"`
	DestinationPath string    `json:"destinationPath"`
	Offset          int64     `json:"offset"`
	Size            int64     `json:"size"`
	CapturedAt      time.Time `json:"capturedAt"`
}

// Encode serializes the checkpoint for persistence.
func (c *Checkpoint) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	return data, nil
}

// ParseCheckpoint decodes persisted resume data. It rejects blobs that
// decode but carry nonsense, so callers can fall back to a fresh transfer.
func ParseCheckpoint(data []byte) (*Checkpoint, error) {
	if len(data) == 0 {
		return nil, errors.New("empty checkpoint")
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	if cp.URL == "" || cp.DestinationPath == "" || cp.Offset < 0 {
		return nil, errors.New("checkpoint is missing required fields")
	}

	return &cp, nil
}

// Outcome is the terminal result of a successful transfer.
type Outcome struct {
	HTTPStatus int
	Path       string
	Bytes      int64
	Size       int64
}

// Adapter creates transfer handles. One adapter is shared by all
// concurrent transfers; per-transfer state lives on the Handle.
type Adapter struct {
	client *grab.Client
}

func NewAdapter(userAgent string) *Adapter {
	client := grab.NewClient()
	if userAgent != "" {
		client.UserAgent = userAgent
	}

	return &Adapter{client: client}
}

// Begin prepares a fresh transfer of url into destinationPath. Any stale
// partial file at the destination is discarded.
func (a *Adapter) Begin(ctx context.Context, url, destinationPath string, opts Options) (*Handle, error) {
	if err := os.Remove(destinationPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to clear stale partial file: %w", err)
	}

	return a.newHandle(url, destinationPath, opts, true)
}

// Resume reconstructs a transfer from a previously captured checkpoint.
// A missing destination file, a nil checkpoint, or a checkpoint that
// disagrees with the bytes actually on disk all fall back to Begin
// semantics instead of failing: partial progress must never block recovery.
func (a *Adapter) Resume(ctx context.Context, url, destinationPath string, opts Options, cp *Checkpoint) (*Handle, error) {
	if cp == nil {
		return a.Begin(ctx, url, destinationPath, opts)
	}

	fi, err := os.Stat(destinationPath)
	if err != nil || fi.Size() != cp.Offset {
		return a.Begin(ctx, url, destinationPath, opts)
	}

	return a.newHandle(url, destinationPath, opts, false)
}

func (a *Adapter) newHandle(url, destinationPath string, opts Options, fresh bool) (*Handle, error) {
	req, err := grab.NewRequest(destinationPath, url)
	if err != nil {
		return nil, fmt.Errorf("failed to build transfer request: %w", err)
	}

	req.NoResume = fresh

	for k, v := range opts.Headers {
		req.HTTPRequest.Header.Set(k, v)
	}

	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = defaultProgressInterval
	}

	return &Handle{
		client: a.client,
		req:    req,
		url:    url,
		dest:   destinationPath,
		opts:   opts,
	}, nil
}

// Handle is one in-flight (or about to be in-flight) transfer.
type Handle struct {
	client *grab.Client
	req    *grab.Request
	url    string
	dest   string
	opts   Options

	mu     sync.Mutex
	resp   *grab.Response
	cancel context.CancelFunc
	paused bool
}

// Run drives the transfer until completion, failure, or pause. It blocks.
func (h *Handle) Run(ctx context.Context) (*Outcome, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp := h.client.Do(h.req.WithContext(runCtx))

	h.mu.Lock()
	h.resp = resp
	h.cancel = cancel
	h.mu.Unlock()

	ticker := time.NewTicker(h.opts.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if h.opts.OnProgress != nil {
				h.opts.OnProgress(resp.BytesComplete(), resp.Size())
			}
		case <-resp.Done:
			if err := resp.Err(); err != nil {
				return nil, h.wrapError(resp, err)
			}

			if h.opts.OnProgress != nil {
				h.opts.OnProgress(resp.BytesComplete(), resp.Size())
			}

			status := 0
			if resp.HTTPResponse != nil {
				status = resp.HTTPResponse.StatusCode
			}

			return &Outcome{
				HTTPStatus: status,
				Path:       resp.Filename,
				Bytes:      resp.BytesComplete(),
				Size:       resp.Size(),
			}, nil
		}
	}
}

// Pause halts network activity and returns a checkpoint capturing the
// current byte offset. Safe to call before Run and more than once.
func (h *Handle) Pause() *Checkpoint {
	h.mu.Lock()
	h.paused = true
	cancel := h.cancel
	resp := h.resp
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if resp != nil {
		// Wait for the transfer goroutine to release the file.
		<-resp.Done
	}

	return h.Checkpoint()
}

// Paused reports whether Pause was called on this handle.
func (h *Handle) Paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.paused
}

// Checkpoint snapshots the transfer's current resume state.
func (h *Handle) Checkpoint() *Checkpoint {
	cp := &Checkpoint{
		URL:             h.url,
		DestinationPath: h.dest,
		CapturedAt:      time.Now().UTC(),
	}

	h.mu.Lock()
	resp := h.resp
	h.mu.Unlock()

	if resp != nil {
		cp.Offset = resp.BytesComplete()
		cp.Size = resp.Size()

		return cp
	}

	if fi, err := os.Stat(h.dest); err == nil {
		cp.Offset = fi.Size()
	}

	return cp
}

// BytesComplete returns the bytes written so far.
func (h *Handle) BytesComplete() int64 {
	h.mu.Lock()
	resp := h.resp
	h.mu.Unlock()

	if resp == nil {
		return 0
	}

	return resp.BytesComplete()
}

// Size returns the expected total bytes, or -1 while unknown.
func (h *Handle) Size() int64 {
	h.mu.Lock()
	resp := h.resp
	h.mu.Unlock()

	if resp == nil {
		return -1
	}

	return resp.Size()
}

func (h *Handle) wrapError(resp *grab.Response, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var sce grab.StatusCodeError
	if errors.As(err, &sce) {
		return &NetworkError{Operation: "fetch", StatusCode: int(sce), Err: err}
	}

	if errors.Is(err, grab.ErrBadLength) {
		return &TruncatedError{
			Path:         h.dest,
			BytesWritten: resp.BytesComplete(),
			Expected:     resp.Size(),
			Err:          err,
		}
	}

	// A stream that broke mid-body shows up as a short copy.
	if Classify(err) == ClassTruncated {
		return &TruncatedError{
			Path:         h.dest,
			BytesWritten: resp.BytesComplete(),
			Expected:     resp.Size(),
			Err:          err,
		}
	}

	return err
}
