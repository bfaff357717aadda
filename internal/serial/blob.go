package serial

// Blob is a transferable byte buffer. Ownership moves to the receiver: the
// in-memory transport hands over the same backing array, and stream
// transports carry it as a raw frame section instead of copying it into the
// JSON body. After a value containing a Blob has been sent, the sender must
// not touch the buffer again.
type Blob struct {
	Data []byte
}

// NewBlob wraps data in a transferable buffer without copying.
func NewBlob(data []byte) *Blob {
	return &Blob{Data: data}
}

// Len returns the buffer size in bytes.
func (b *Blob) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Data)
}
