package aliyunpan

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/projecteru2/core/log"
)

const (
	// prefetchDepth bounds how many completed chunks may sit ahead of the
	// reader before workers stall. Memory ceiling is roughly
	// (prefetchDepth + concurrency) * chunkSize.
	prefetchDepth = 16

	// chunkTimeout caps a single range request.
	chunkTimeout = 5 * time.Minute
)

// chunkJob is one byte range to fetch.
type chunkJob struct {
	index  int
	offset int64
	length int64
}

// chunkResult is a fetched range, or the error that killed it.
type chunkResult struct {
	index int
	data  []byte
	err   error
}

// chunkReader streams a remote file as sequential bytes while fetching
// fixed-size ranges concurrently. Chunks complete out of order; an ordering
// stage holds early arrivals and releases them in index order so Read never
// sees a gap. Any failed chunk aborts the whole stream.
type chunkReader struct {
	url    string
	size   int64
	chunk  int64
	httpc  *http.Client
	cancel context.CancelFunc

	out chan []byte
	wg  sync.WaitGroup

	cur     *bytes.Reader
	readErr error

	closeOnce sync.Once
}

// newChunkReader starts the fetch pipeline immediately; the first Read
// usually finds data already buffered.
func newChunkReader(ctx context.Context, httpc *http.Client, url string, size, chunkSize int64, concurrency int) *chunkReader {
	ctx, cancel := context.WithCancel(ctx)
	r := &chunkReader{
		url:    url,
		size:   size,
		chunk:  chunkSize,
		httpc:  httpc,
		cancel: cancel,
		out:    make(chan []byte, prefetchDepth),
	}

	total := int((size + chunkSize - 1) / chunkSize)
	jobs := make(chan chunkJob)
	results := make(chan chunkResult)

	for w := 0; w < concurrency; w++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.fetchLoop(ctx, jobs, results)
		}()
	}

	// Producer feeds ranges in order; workers pull as they free up.
	go func() {
		defer close(jobs)
		for i := 0; i < total; i++ {
			offset := int64(i) * chunkSize
			job := chunkJob{index: i, offset: offset, length: min(chunkSize, size-offset)}
			select {
			case jobs <- job:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Ordering stage: buffer out-of-order arrivals, emit sequentially.
	go func() {
		defer close(r.out)
		pending := map[int][]byte{}
		next := 0
		for next < total {
			var res chunkResult
			select {
			case res = <-results:
			case <-ctx.Done():
				return
			}
			if res.err != nil {
				log.WithFunc("aliyunpan.chunkReader").Warnf(ctx, "chunk %d failed: %v", res.index, res.err)
				r.fail(res.err)
				return
			}
			pending[res.index] = res.data
			for {
				data, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				select {
				case r.out <- data:
				case <-ctx.Done():
					return
				}
				next++
			}
		}
	}()

	return r
}

func (r *chunkReader) fetchLoop(ctx context.Context, jobs <-chan chunkJob, results chan<- chunkResult) {
	for {
		var job chunkJob
		var ok bool
		select {
		case job, ok = <-jobs:
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}
		data, err := r.fetchChunk(ctx, job)
		select {
		case results <- chunkResult{index: job.index, data: data, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

// fetchChunk issues one Range GET. A non-2xx or short body is fatal for the
// stream; there is no per-chunk retry because the download URL itself may
// have expired, and the caller's retry path re-resolves it.
func (r *chunkReader) fetchChunk(ctx context.Context, job chunkJob) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, chunkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create range request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", job.offset, job.offset+job.length-1))

	resp, err := r.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("range %d-%d: %w", job.offset, job.offset+job.length-1, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("range %d-%d: http %d", job.offset, job.offset+job.length-1, resp.StatusCode)
	}

	data := make([]byte, job.length)
	if _, err := io.ReadFull(resp.Body, data); err != nil {
		return nil, fmt.Errorf("read range %d-%d: %w", job.offset, job.offset+job.length-1, err)
	}
	return data, nil
}

// fail records the stream error and wakes the reader.
func (r *chunkReader) fail(err error) {
	r.readErr = err
	r.cancel()
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for r.cur == nil || r.cur.Len() == 0 {
		data, ok := <-r.out
		if !ok {
			if r.readErr != nil {
				return 0, r.readErr
			}
			return 0, io.EOF
		}
		r.cur = bytes.NewReader(data)
	}
	return r.cur.Read(p)
}

// Close cancels the pipeline and detaches the drain so in-flight workers can
// unwind without blocking the caller.
func (r *chunkReader) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		go func() {
			for range r.out { //nolint:revive
			}
			r.wg.Wait()
		}()
	})
	return nil
}
