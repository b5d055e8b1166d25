package provider

import (
	"context"
	"fmt"
	"io"
)

// RangeReader adapts a provider file into a seekable byte-range reader; each
// ReadAt issues one ranged FileContent call. It satisfies the muxer's and
// thumbnail generator's input contract.
type RangeReader struct {
	ctx  context.Context
	p    Provider
	item Item
	size int64
}

// NewRangeReader builds a RangeReader. The item size must be known.
func NewRangeReader(ctx context.Context, p Provider, item Item) (*RangeReader, error) {
	if item.Size == nil {
		return nil, fmt.Errorf("item %q has unknown size: %w", item.Name, ErrUnsupported)
	}
	return &RangeReader{ctx: ctx, p: p, item: item, size: *item.Size}, nil
}

func (r *RangeReader) Size() int64 { return r.size }

func (r *RangeReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.size {
		return 0, io.EOF
	}
	end := off + int64(len(p)) - 1
	if end >= r.size {
		end = r.size - 1
	}
	content, err := r.p.FileContent(r.ctx, r.item, Range{Start: off, End: &end})
	if err != nil {
		return 0, err
	}
	defer content.Body.Close()
	n, err := io.ReadFull(content.Body, p[:end-off+1])
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	if err == nil && int64(n) < int64(len(p)) {
		err = io.EOF
	}
	return n, err
}
