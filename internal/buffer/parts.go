// Package buffer slices a stream of written bytes into fixed-size parts for
// chunked upload sessions.
package buffer

// PartBuffer accumulates writes and emits full parts of a fixed size. The
// trailing short part is emitted by Drain. Part indexes are assigned in
// emission order, which is the order chunked sessions require.
type PartBuffer struct {
	partSize  int
	data      []byte
	nextIndex int
	emitted   int64
}

// NewPartBuffer creates a buffer emitting parts of the given size.
func NewPartBuffer(partSize int64) *PartBuffer {
	return &PartBuffer{
		partSize: int(partSize),
		data:     make([]byte, 0, partSize),
	}
}

// Write appends bytes and invokes emit once per completed part. If emit
// returns an error the remaining bytes stay buffered and the part is not
// consumed again.
func (b *PartBuffer) Write(p []byte, emit func(index int, part []byte) error) (int, error) {
	b.data = append(b.data, p...)
	for len(b.data) >= b.partSize {
		if err := emit(b.nextIndex, b.data[:b.partSize]); err != nil {
			return 0, err
		}
		b.data = b.data[b.partSize:]
		b.nextIndex++
		b.emitted += int64(b.partSize)
	}
	return len(p), nil
}

// Drain emits the trailing short part, if any, and releases the buffer. A
// buffer that never saw a write emits nothing; chunked sessions reject
// zero-length parts, so committing a zero-byte object is left to the
// upload strategy.
func (b *PartBuffer) Drain(emit func(index int, part []byte) error) error {
	if len(b.data) > 0 {
		if err := emit(b.nextIndex, b.data); err != nil {
			return err
		}
		b.emitted += int64(len(b.data))
		b.nextIndex++
	}
	b.data = nil
	return nil
}

// Buffered returns the number of bytes awaiting emission.
func (b *PartBuffer) Buffered() int64 {
	return int64(len(b.data))
}

// Emitted returns the total bytes handed to emit so far.
func (b *PartBuffer) Emitted() int64 {
	return b.emitted
}

// Parts returns the number of parts emitted so far.
func (b *PartBuffer) Parts() int {
	return b.nextIndex
}
