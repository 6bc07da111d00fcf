package queue

import (
	"bytes"
	"fmt"
	"io"

	"crashrelay/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// encode serializes the whole request list as one gzip-compressed JSON array.
// The returned slice is owned by the caller.
func encode(reqs []Request) ([]byte, error) {
	buf := pool.BufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	gz := pool.GzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)

	if reqs == nil {
		reqs = []Request{}
	}
	if err := json.NewEncoder(gz).Encode(reqs); err != nil {
		_ = gz.Close()
		pool.GzipPool.Put(gz)
		pool.PutBuffer(buf)
		return nil, err
	}

	if err := gz.Close(); err != nil {
		pool.GzipPool.Put(gz)
		pool.PutBuffer(buf)
		return nil, err
	}
	pool.GzipPool.Put(gz)

	// copy out: buf goes back to the pool
	raw := buf.Bytes()
	data := make([]byte, len(raw))
	copy(data, raw)
	pool.PutBuffer(buf)

	return data, nil
}

// decode is the inverse of encode. Entries without an id are discarded and
// later duplicates of an id are dropped.
func decode(data []byte) ([]Request, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}

	var reqs []Request
	if err := json.Unmarshal(raw, &reqs); err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}

	out := reqs[:0]
	seen := make(map[string]struct{}, len(reqs))
	for _, r := range reqs {
		if r.ID == "" {
			continue
		}
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}
