package protocol

// frameWriter accumulates an encoded frame. The first failing append sticks,
// so encoders can chain calls and check err once at the end.
type frameWriter struct {
	buf []byte
	err error
}

func newFrameWriter(t MessageType, sizeHint int) *frameWriter {
	buf := make([]byte, 1, 1+sizeHint)
	buf[0] = byte(t)
	return &frameWriter{buf: buf}
}

func (w *frameWriter) putByte(b byte) {
	if w.err != nil {
		return
	}

	w.buf = append(w.buf, b)
}

func (w *frameWriter) field(s string) {
	if w.err != nil {
		return
	}

	if len(s) > MaxFieldLength {
		w.err = ErrFieldTooLong
		return
	}

	w.buf = append(w.buf, byte(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *frameWriter) count(n int) {
	if w.err != nil {
		return
	}

	if n > MaxEntries {
		w.err = ErrTooManyEntries
		return
	}

	w.buf = append(w.buf, byte(n))
}

func (w *frameWriter) bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}

	return w.buf, nil
}

// frameReader walks a frame body. Every read checks the remaining length
// first; a short buffer marks the reader as failed instead of panicking.
type frameReader struct {
	buf []byte
	off int
	bad bool
}

func (r *frameReader) readByte() byte {
	if r.bad || r.off >= len(r.buf) {
		r.bad = true
		return 0
	}

	b := r.buf[r.off]
	r.off++
	return b
}

func (r *frameReader) field() string {
	n := int(r.readByte())
	if r.bad || r.off+n > len(r.buf) {
		r.bad = true
		return ""
	}

	s := string(r.buf[r.off : r.off+n])
	r.off += n
	return s
}

// finish reports whether the whole buffer was consumed without a short read.
// Trailing bytes make the frame malformed.
func (r *frameReader) finish() error {
	if r.bad || r.off != len(r.buf) {
		return ErrMalformedFrame
	}

	return nil
}
