// Package bodypipe implements the bounded single-producer/single-consumer
// byte channel of spec.md §4.4. No example repo models this exact
// put-returns-accepted-length / exhausted() polling shape, so it is
// built directly against the specification on the standard library
// (see DESIGN.md's justification for this package).
package bodypipe

import "sync"

// Callbacks are the four notification hooks of spec.md §4.4. Any may be
// nil; BodyPipe never calls a nil hook.
type Callbacks struct {
	// NoteMoreBodySpaceAvailable tells the producer it may call Put
	// again after it previously received accepted_len==0.
	NoteMoreBodySpaceAvailable func()
	// NoteMoreBodyDataAvailable tells the consumer there is new data to
	// Consume.
	NoteMoreBodyDataAvailable func()
	// NoteBodyProductionEnded tells the consumer the producer is done;
	// no further data will ever arrive.
	NoteBodyProductionEnded func()
	// NoteBodyProducerAborted tells the consumer production ended
	// abnormally.
	NoteBodyProducerAborted func()
	// NoteBodyConsumerAborted tells the producer nobody is reading
	// anymore.
	NoteBodyConsumerAborted func()
}

const defaultCapacity = 64 * 1024

// Pipe is a bounded byte buffer with exactly one producer and one
// consumer (spec.md §3 "Body pipe").
type Pipe struct {
	mu sync.Mutex

	buf      []byte
	capacity int

	declaredSize    int64
	haveDeclared    bool
	writtenTotal    int64

	productionEnded   bool
	producerAborted   bool
	consumerAttached  bool
	consumerAborted   bool
	consumerLate      bool
	noConsumption     bool

	cb Callbacks
}

// New creates a Pipe with the given buffer capacity (0 selects a
// default), matching the bounded-buffer shape of spec.md §3/§4.4.
func New(capacity int, cb Callbacks) *Pipe {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Pipe{capacity: capacity, cb: cb}
}

// SetBodySize declares the total expected size, enabling exact EOF
// detection (spec.md §4.4 setBodySize).
func (p *Pipe) SetBodySize(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.declaredSize = n
	p.haveDeclared = true
}

// Put appends as much of data as fits and returns the number of bytes
// actually accepted — 0 exactly when the buffer is full (spec.md §8
// testable property), never more than the remaining capacity.
func (p *Pipe) Put(data []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.productionEnded || p.producerAborted || p.consumerAborted {
		return 0
	}

	if p.noConsumption {
		// Nobody will ever read this pipe (ExpectNoConsumption); drop the
		// bytes immediately instead of applying backpressure against a
		// consumer that will never show up.
		n := len(data)
		p.writtenTotal += int64(n)
		return n
	}

	space := p.capacity - len(p.buf)
	if space <= 0 {
		return 0
	}
	n := len(data)
	if n > space {
		n = space
	}
	p.buf = append(p.buf, data[:n]...)
	p.writtenTotal += int64(n)

	if n > 0 && p.cb.NoteMoreBodyDataAvailable != nil {
		p.cb.NoteMoreBodyDataAvailable()
	}
	return n
}

// Consume removes n bytes from the front of the buffer. It panics if n
// exceeds the buffered length — a defensive contract violation, not a
// recoverable runtime condition for this single-consumer type.
func (p *Pipe) Consume(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > len(p.buf) {
		panic("bodypipe: Consume beyond buffered length")
	}
	hadSpace := len(p.buf) < p.capacity
	p.buf = p.buf[n:]
	if !hadSpace && len(p.buf) < p.capacity && p.cb.NoteMoreBodySpaceAvailable != nil {
		p.cb.NoteMoreBodySpaceAvailable()
	}
}

// Buf returns a read-only view of the currently buffered bytes without
// removing them (spec.md §4.4 buf()).
func (p *Pipe) Buf() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.buf...)
}

// EndProduction marks normal production end: no more bytes will ever
// arrive. Safe to call once.
func (p *Pipe) EndProduction() {
	p.mu.Lock()
	ended := p.productionEnded
	p.productionEnded = true
	p.mu.Unlock()
	if !ended && p.cb.NoteBodyProductionEnded != nil {
		p.cb.NoteBodyProductionEnded()
	}
}

// AbortProduction marks abnormal production end.
func (p *Pipe) AbortProduction() {
	p.mu.Lock()
	aborted := p.producerAborted
	p.producerAborted = true
	p.mu.Unlock()
	if !aborted && p.cb.NoteBodyProducerAborted != nil {
		p.cb.NoteBodyProducerAborted()
	}
}

// AbortConsumption tells the pipe its consumer vanished.
func (p *Pipe) AbortConsumption() {
	p.mu.Lock()
	aborted := p.consumerAborted
	p.consumerAborted = true
	p.mu.Unlock()
	if !aborted && p.cb.NoteBodyConsumerAborted != nil {
		p.cb.NoteBodyConsumerAborted()
	}
}

// Exhausted reports true once production has ended — normally,
// abnormally, or implicitly because the declared body size (SetBodySize)
// has been fully written without an explicit EndProduction call, the
// "exact EOF detection" spec.md §4.4 promises — and the buffer has
// drained.
func (p *Pipe) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	declaredComplete := p.haveDeclared && p.writtenTotal >= p.declaredSize
	return (p.productionEnded || p.producerAborted || declaredComplete) && len(p.buf) == 0
}

// Aborted reports whether production ended abnormally (AbortProduction),
// as opposed to a clean EndProduction or declared-size completion. The
// store-commit path uses this to decide whether a fully-received body
// should be marked whole or aborted (spec.md §3 "Store entry" lifecycle).
func (p *Pipe) Aborted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.producerAborted
}

// ConsumerLate reports whether the most recent SetConsumerIfNotLate
// call failed because production had already ended with unread bytes
// and no consumer had ever attached (spec.md §4.4's "missed data" case).
func (p *Pipe) ConsumerLate() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consumerLate
}

// SetConsumerIfNotLate attaches the pipe's consumer-side callbacks.
// Fails if production already ended while bytes remain unread by no
// consumer — the consumer "missed data" case of spec.md §4.4.
func (p *Pipe) SetConsumerIfNotLate(cb Callbacks) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.productionEnded && len(p.buf) > 0 && !p.consumerAttached {
		p.consumerLate = true
		return false
	}
	p.consumerAttached = true
	p.cb.NoteMoreBodyDataAvailable = cb.NoteMoreBodyDataAvailable
	p.cb.NoteBodyProductionEnded = cb.NoteBodyProductionEnded
	p.cb.NoteBodyProducerAborted = cb.NoteBodyProducerAborted
	return true
}

// ExpectNoConsumption informs the pipe its bytes will be dropped, for
// when the intended consumer vanished before attaching (spec.md §4.4).
func (p *Pipe) ExpectNoConsumption() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.noConsumption = true
}

// Len reports the number of bytes currently buffered.
func (p *Pipe) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// PotentialSpace reports the remaining capacity the producer may still
// write, used by callers implementing the backpressure rule of spec.md
// §4.4 ("when potentialSpaceSize = 0 producer must suspend").
func (p *Pipe) PotentialSpace() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - len(p.buf)
}
