package sequence

import (
	"bytes"
	"fmt"

	"github.com/drblury/relayflow/internal/runtime/envelope"
	rterrors "github.com/drblury/relayflow/internal/runtime/errors"
)

// ChunkInfo is the chunk position read from the envelope headers.
type ChunkInfo struct {
	Index int
	// Count is zero when the producer did not send x-chunk-count.
	Count  int
	IsLast bool
}

// ReadChunkInfo extracts chunk headers. ok is false when the envelope is not a chunk.
func ReadChunkInfo(headers envelope.Headers) (info ChunkInfo, ok bool, err error) {
	index, present, err := headers.Int(envelope.HeaderChunkIndex)
	if !present {
		return ChunkInfo{}, false, nil
	}
	if err != nil || index < 0 {
		return ChunkInfo{}, true, fmt.Errorf("%w: index %q", rterrors.ErrInvalidChunkHeaders, headers.Value(envelope.HeaderChunkIndex))
	}
	count, _, err := headers.Int(envelope.HeaderChunkCount)
	if err != nil {
		return ChunkInfo{}, true, fmt.Errorf("%w: count %q", rterrors.ErrInvalidChunkHeaders, headers.Value(envelope.HeaderChunkCount))
	}
	last, _, err := headers.Bool(envelope.HeaderChunkLast)
	if err != nil {
		return ChunkInfo{}, true, fmt.Errorf("%w: last %q", rterrors.ErrInvalidChunkHeaders, headers.Value(envelope.HeaderChunkLast))
	}
	return ChunkInfo{Index: index, Count: count, IsLast: last}, true, nil
}

// Chunk rebuilds one message split into ordered chunks.
type Chunk struct {
	base
	lastIndex int
	count     int
}

// Add accepts the next chunk. The first index must be 0 and each following
// index must be lastIndex+1. A repeat of lastIndex is dropped as AddDuplicate.
// Any other index aborts the sequence with an ordering error.
func (c *Chunk) Add(env *envelope.Inbound) (AddResult, error) {
	info, ok, err := ReadChunkInfo(env.Headers)
	if err != nil {
		return AddAdded, err
	}
	if !ok {
		return AddAdded, fmt.Errorf("%w: missing %s", rterrors.ErrInvalidChunkHeaders, envelope.HeaderChunkIndex)
	}

	c.mu.Lock()
	if c.state != Adding {
		c.mu.Unlock()
		return AddAdded, rterrors.ErrSequenceNotAdding
	}

	switch {
	case c.lastIndex >= 0 && info.Index == c.lastIndex:
		c.mu.Unlock()
		return AddDuplicate, nil
	case info.Index != c.lastIndex+1:
		orderErr := &AbortError{
			Reason: AbortOrdering,
			Err:    fmt.Errorf("%w: expected chunk %d, got %d", rterrors.ErrSequenceOrdering, c.lastIndex+1, info.Index),
		}
		c.mu.Unlock()
		c.abort(orderErr)
		return AddAdded, orderErr
	}

	c.lastIndex = info.Index
	c.envelopes = append(c.envelopes, env)
	c.ids = append(c.ids, env.Identifier)
	if info.Count > 0 && c.count == 0 {
		c.count = info.Count
	}
	finished := info.IsLast || (c.count > 0 && len(c.envelopes) >= c.count)
	if !finished {
		c.touchLocked(c.onTimeout(c))
	}
	c.mu.Unlock()

	if finished {
		c.complete()
		return AddCompleted, nil
	}
	return AddAdded, nil
}

// CountHint is the expected number of chunks, zero when unknown.
func (c *Chunk) CountHint() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Reassemble joins the chunk payloads in order into one envelope. The result
// keeps the first chunk's headers without chunk headers and the last chunk's identifier.
func (c *Chunk) Reassemble() (*envelope.Inbound, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Completed || len(c.envelopes) == 0 {
		return nil, rterrors.ErrSequenceNotAdding
	}

	var buf bytes.Buffer
	for _, env := range c.envelopes {
		buf.Write(env.Payload)
	}

	first := c.envelopes[0]
	whole := first.WithPayload(buf.Bytes())
	whole.Headers.Remove(envelope.HeaderChunkIndex)
	whole.Headers.Remove(envelope.HeaderChunkCount)
	whole.Headers.Remove(envelope.HeaderChunkLast)
	whole.Identifier = c.envelopes[len(c.envelopes)-1].Identifier
	return whole, nil
}
