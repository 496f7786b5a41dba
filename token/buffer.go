package token

import (
	"encoding/binary"
	"sync"
)

//  CANONICAL SIGNING INPUTS (LENGTH-PREFIXED, POOLED)

// bytePool holds a reusable byte slice to minimize allocations.
var bytePool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 512)
		return &b
	},
}

// signingInput builds the exact bytes handed to Ed25519. Every field is
// written as [uint32(len)] + bytes so no choice of field contents can
// make two different inputs serialize identically.
type signingInput struct {
	ptr *[]byte
	buf []byte
}

func newSigningInput(tag string) *signingInput {
	ptr := bytePool.Get().(*[]byte)
	s := &signingInput{ptr: ptr, buf: (*ptr)[:0]}
	s.str(tag)
	return s
}

// field appends a length-prefixed byte field.
func (s *signingInput) field(b []byte) {
	s.buf = binary.BigEndian.AppendUint32(s.buf, uint32(len(b)))
	s.buf = append(s.buf, b...)
}

func (s *signingInput) str(v string) {
	s.buf = binary.BigEndian.AppendUint32(s.buf, uint32(len(v)))
	s.buf = append(s.buf, v...)
}

// u64 appends a fixed 8-byte big-endian integer.
func (s *signingInput) u64(v uint64) {
	s.buf = binary.BigEndian.AppendUint64(s.buf, v)
}

func (s *signingInput) Bytes() []byte { return s.buf }

// Release zeros the buffer and returns it to the pool.
func (s *signingInput) Release() {
	if s == nil || s.ptr == nil {
		return
	}
	buf := s.buf
	for i := range buf {
		buf[i] = 0
	}
	*s.ptr = buf[:0]
	bytePool.Put(s.ptr)
	s.ptr = nil
}
