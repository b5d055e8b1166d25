package youtube

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/rolledback/cloudgate/internal/httpx"
	"github.com/rolledback/cloudgate/internal/provider"
)

// streamReader streams one itag over [pos, end] in bounded sub-requests.
// Each sub-request follows redirects manually so the Range header reaches
// the final host, and retries once after invalidating the cached stream
// metadata when the media URL answers 4xx (descrambled URLs go stale).
type streamReader struct {
	ctx  context.Context
	yt   *YouTube
	file streamFile
	pos  int64
	end  int64

	current io.ReadCloser
}

func (r *streamReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if r.pos > r.end {
				return 0, io.EOF
			}
			chunkEnd := r.pos + streamChunkSize - 1
			if chunkEnd > r.end {
				chunkEnd = r.end
			}
			body, err := r.fetchChunk(r.pos, chunkEnd)
			if err != nil {
				return 0, err
			}
			r.current = body
			r.pos = chunkEnd + 1
		}
		n, err := r.current.Read(p)
		if err == io.EOF {
			r.current.Close()
			r.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *streamReader) Close() error {
	if r.current != nil {
		err := r.current.Close()
		r.current = nil
		return err
	}
	return nil
}

func (r *streamReader) fetchChunk(start, end int64) (io.ReadCloser, error) {
	resp, err := r.fetchOnce(start, end)
	if err != nil {
		return nil, err
	}
	// A stale descrambled URL answers 4xx; refetch the stream metadata
	// and retry the chunk once.
	if resp.StatusCode/100 == 4 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		r.yt.cache.Invalidate(r.file.videoID)
		resp, err = r.fetchOnce(start, end)
		if err != nil {
			return nil, err
		}
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, provider.CheckStatus(resp)
	}
	return resp.Body, nil
}

func (r *streamReader) fetchOnce(start, end int64) (*http.Response, error) {
	mediaURL, err := r.yt.videoURL(r.ctx, r.file.videoID, r.file.itag)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	resp, err := httpx.Follow(r.yt.http, req)
	if err != nil {
		if r.ctx.Err() != nil {
			return nil, provider.ErrCancelled
		}
		return nil, fmt.Errorf("%w: %v", provider.ErrTransport, err)
	}
	return resp, nil
}
