package wire

import (
	"encoding/binary"
	"math"
	"time"
	"unicode/utf8"
)

// MaxLen is the largest string, blob or collection a 2-byte prefix can describe.
const MaxLen = math.MaxUint16

// Writer appends big-endian fields to a buffer. The first error sticks and
// every later call is a no-op.
type Writer struct {
	buf []byte
	err error
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 256)}
}

func (w *Writer) U8(v uint8) {
	if w.err == nil {
		w.buf = append(w.buf, v)
	}
}

func (w *Writer) U16(v uint16) {
	if w.err == nil {
		w.buf = binary.BigEndian.AppendUint16(w.buf, v)
	}
}

func (w *Writer) U32(v uint32) {
	if w.err == nil {
		w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	}
}

func (w *Writer) U64(v uint64) {
	if w.err == nil {
		w.buf = binary.BigEndian.AppendUint64(w.buf, v)
	}
}

func (w *Writer) I64(v int64) { w.U64(uint64(v)) }

func (w *Writer) Bool(v bool) {
	if v {
		w.U8(1)
	} else {
		w.U8(0)
	}
}

func (w *Writer) F64(v float64) { w.U64(math.Float64bits(v)) }

func (w *Writer) F32(v float32) { w.U32(math.Float32bits(v)) }

// Time writes t as milliseconds since the Unix epoch. The zero time is 0.
func (w *Writer) Time(t time.Time) {
	if t.IsZero() {
		w.U64(0)
		return
	}
	w.I64(t.UnixMilli())
}

// String writes a 2-byte length followed by the UTF-8 bytes of s.
func (w *Writer) String(s string) {
	if len(s) > MaxLen {
		w.fail(ErrFieldTooLong)
		return
	}
	w.U16(uint16(len(s)))
	if w.err == nil {
		w.buf = append(w.buf, s...)
	}
}

// Blob writes a 2-byte length followed by b.
func (w *Writer) Blob(b []byte) {
	if len(b) > MaxLen {
		w.fail(ErrFieldTooLong)
		return
	}
	w.U16(uint16(len(b)))
	if w.err == nil {
		w.buf = append(w.buf, b...)
	}
}

// OptString writes a presence flag and, when s is non-empty, the string.
func (w *Writer) OptString(s string) {
	w.Bool(s != "")
	if s != "" {
		w.String(s)
	}
}

// OptDuration writes a presence flag and, when d is set, its milliseconds.
func (w *Writer) OptDuration(d *time.Duration) {
	w.Bool(d != nil)
	if d != nil {
		w.I64(d.Milliseconds())
	}
}

// Count writes a 2-byte element count.
func (w *Writer) Count(n int) {
	if n > MaxLen {
		w.fail(ErrTooMany)
		return
	}
	w.U16(uint16(n))
}

// Nested writes a 2-byte length followed by the bytes produced by fn.
func (w *Writer) Nested(fn func(*Writer)) {
	if w.err != nil {
		return
	}
	sub := NewWriter()
	fn(sub)
	if sub.err != nil {
		w.fail(sub.err)
		return
	}
	w.Blob(sub.buf)
}

// Bytes returns the encoded buffer or the first error.
func (w *Writer) Bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

func (w *Writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// Reader consumes big-endian fields with bounds checks. The first failure
// sticks; later reads return zero values so decoders can read straight
// through and check Finish once.
type Reader struct {
	buf []byte
	off int
	err *DecodeError
}

// NewReader returns a Reader over b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.buf)-r.off {
		r.Fail(ErrTruncated)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) U16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *Reader) U64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *Reader) I64() int64 { return int64(r.U64()) }

func (r *Reader) F64() float64 { return math.Float64frombits(r.U64()) }

func (r *Reader) F32() float32 { return math.Float32frombits(r.U32()) }

// Bool reads a one-byte flag that must be 0 or 1.
func (r *Reader) Bool() bool {
	v := r.U8()
	if v > 1 {
		r.Fail(ErrInvalidFlag)
		return false
	}
	return v == 1
}

// Time reads milliseconds since the Unix epoch; 0 decodes to the zero time.
func (r *Reader) Time() time.Time {
	ms := r.I64()
	if ms == 0 || r.err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (r *Reader) String() string {
	n := r.U16()
	b := r.take(int(n))
	if b == nil {
		return ""
	}
	if !utf8.Valid(b) {
		r.Fail(ErrInvalidUTF8)
		return ""
	}
	return string(b)
}

// Blob reads a length-prefixed byte slice. The result does not alias the input.
func (r *Reader) Blob() []byte {
	n := r.U16()
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *Reader) OptString() string {
	if !r.Bool() {
		return ""
	}
	return r.String()
}

func (r *Reader) OptDuration() *time.Duration {
	if !r.Bool() {
		return nil
	}
	d := time.Duration(r.I64()) * time.Millisecond
	if r.err != nil {
		return nil
	}
	return &d
}

// Count reads a 2-byte element count.
func (r *Reader) Count() int { return int(r.U16()) }

// Nested reads a 2-byte length and hands the enclosed bytes to fn through
// a sub-reader that must be fully consumed.
func (r *Reader) Nested(op string, fn func(*Reader)) {
	n := r.U16()
	start := r.off
	b := r.take(int(n))
	if b == nil {
		return
	}
	sub := NewReader(b)
	fn(sub)
	if err := sub.finish(op); err != nil {
		err.Offset += start
		r.err = err
	}
}

// Repeated reads a count followed by that many nested structures.
func (r *Reader) Repeated(op string, fn func(*Reader)) {
	n := r.Count()
	for i := 0; i < n && r.err == nil; i++ {
		r.Nested(op, fn)
	}
}

// Fail records err at the current offset unless an error is already set.
func (r *Reader) Fail(err error) {
	if r.err == nil {
		r.err = &DecodeError{Offset: r.off, Err: err}
	}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Finish returns the first decode error, or ErrTrailingData if bytes are left.
func (r *Reader) Finish(op string) error {
	if err := r.finish(op); err != nil {
		return err
	}
	return nil
}

func (r *Reader) finish(op string) *DecodeError {
	if r.err == nil && r.off != len(r.buf) {
		r.err = &DecodeError{Offset: r.off, Err: ErrTrailingData}
	}
	if r.err != nil && r.err.Op == "" {
		r.err.Op = op
	}
	return r.err
}
