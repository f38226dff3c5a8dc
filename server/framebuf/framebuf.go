package framebuf

import (
	"sync"
	"time"
)

// Frame is one encoded JPEG image.
// A Frame is never modified after it has been published, so it can be shared
// by reference between the capture loop and any number of readers.
type Frame struct {
	Seq  uint64    // Assigned by Buffer.Publish. The first frame is 1.
	Time time.Time // When the frame was published
	Data []byte    // JPEG bytes. Read-only.
}

// Buffer holds the single most recent Frame.
// There is one writer (the capture loop) and many readers (stream connections, uploads, API).
// Publish replaces the frame pointer, so a reader that holds a *Frame keeps a complete,
// unchanging image no matter how many publishes happen afterwards.
type Buffer struct {
	lock   sync.Mutex
	latest *Frame
	seq    uint64
}

func New() *Buffer {
	return &Buffer{}
}

// Publish makes data the latest frame, and returns the new Frame.
// The caller gives up ownership of data, and must not modify it afterwards.
func (b *Buffer) Publish(data []byte) *Frame {
	now := time.Now()
	b.lock.Lock()
	b.seq++
	f := &Frame{
		Seq:  b.seq,
		Time: now,
		Data: data,
	}
	b.latest = f
	b.lock.Unlock()
	return f
}

// Snapshot returns the latest frame, or nil if nothing has been published yet.
// This never blocks waiting for a frame.
func (b *Buffer) Snapshot() *Frame {
	b.lock.Lock()
	f := b.latest
	b.lock.Unlock()
	return f
}

// Seq returns the sequence number of the latest frame, or zero if the buffer is empty
func (b *Buffer) Seq() uint64 {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.seq
}

// Age returns the time since the latest publish, or zero if the buffer is empty
func (b *Buffer) Age() time.Duration {
	f := b.Snapshot()
	if f == nil {
		return 0
	}
	return time.Since(f.Time)
}
