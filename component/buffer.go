package component

// Buffer accumulates comma-joined fragments up to a fixed capacity.
type Buffer struct {
	cap int
	b   []byte
}

func NewBuffer(capacity int) *Buffer {
	return &Buffer{cap: capacity, b: make([]byte, 0, capacity)}
}

func (b *Buffer) Reset()         { b.b = b.b[:0] }
func (b *Buffer) Len() int       { return len(b.b) }
func (b *Buffer) Cap() int       { return b.cap }
func (b *Buffer) Empty() bool    { return len(b.b) == 0 }
func (b *Buffer) String() string { return string(b.b) }

// Add appends frag if the result, plus reserve bytes kept free for the
// record envelope, stays below capacity. It reports whether frag was added.
func (b *Buffer) Add(frag string, reserve int) bool {
	sep := 0
	if len(b.b) > 0 {
		sep = 1
	}
	if len(b.b)+sep+len(frag)+reserve >= b.cap {
		return false
	}
	if sep == 1 {
		b.b = append(b.b, ',')
	}
	b.b = append(b.b, frag...)
	return true
}
