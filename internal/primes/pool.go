// Package primes caches RSA prime candidates so that one expensive prime
// takes part in several keypairs.
//
// Primes live in 16 rings ("pools"). A keypair is built from a first prime
// drawn round-robin and a partner drawn from a pool the first prime has not
// been paired with yet, starting at the pool opposite its own. Each
// pairing with a new pool consumes one unit of a prime's lifetime; a prime
// whose lifetime is spent is destroyed instead of being requeued.
//
// Every ring has its own mutex, so workers only contend when they draw from
// the same pool at the same time.
package primes

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"math/bits"
	"sync"
	"sync/atomic"

	leekerrors "github.com/tamirms/leek/errors"
)

const (
	poolOrder = 4
	poolCount = 1 << poolOrder
	poolMask  = poolCount - 1
	poolDepth = 32

	// Lifetime is the number of distinct pools a prime is paired with
	// before it is retired.
	Lifetime = poolCount

	// MinBits is the smallest prime size accepted by New.
	MinBits = 16
)

// opposite is the first pool a prime looks at for its partner.
func opposite(pool int) int {
	return (pool + poolCount/2) & poolMask
}

// Prime is a probable prime together with its pairing history.
type Prime struct {
	P *big.Int

	pool     int
	lifetime int
	nextPool int
	matched  uint16
}

func newPrime(p *big.Int, pool int) *Prime {
	return &Prime{
		P:        p,
		pool:     pool,
		lifetime: Lifetime,
		nextPool: opposite(pool),
	}
}

// Pool returns the pool the prime belongs to.
func (q *Prime) Pool() int { return q.pool }

// Lifetime returns the remaining number of new pairings.
func (q *Prime) Lifetime() int { return q.lifetime }

// Matched reports whether q has been paired with a prime of pool.
func (q *Prime) Matched(pool int) bool { return q.matched&(1<<pool) != 0 }

// MatchCount returns the number of distinct pools q has been paired with.
func (q *Prime) MatchCount() int { return bits.OnesCount16(q.matched) }

func (q *Prime) match(pool int) {
	bit := uint16(1) << pool
	if q.matched&bit != 0 {
		return
	}
	q.matched |= bit
	q.lifetime--
}

// partnerPool returns the next pool q has not been matched with.
func (q *Prime) partnerPool() (int, bool) {
	for i := range poolCount {
		pool := (q.nextPool + i) & poolMask
		if !q.Matched(pool) {
			return pool, true
		}
	}
	return 0, false
}

// wipe clears the prime's limbs before the value is dropped.
func (q *Prime) wipe() {
	if q.P != nil {
		clear(q.P.Bits())
		q.P = nil
	}
}

// ring is a fixed-capacity FIFO of primes. It owns the primes it holds.
type ring struct {
	mu    sync.Mutex
	slots [poolDepth]*Prime
	head  int
	n     int
}

func (r *ring) pop() *Prime {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == 0 {
		return nil
	}
	q := r.slots[r.head]
	r.slots[r.head] = nil
	r.head = (r.head + 1) % poolDepth
	r.n--
	return q
}

// push appends q. When the ring is full the oldest entry and q compete:
// the one with more lifetime left stays and the other is returned for
// destruction.
func (r *ring) push(q *Prime) (dropped *Prime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n < poolDepth {
		r.slots[(r.head+r.n)%poolDepth] = q
		r.n++
		return nil
	}
	old := r.slots[r.head]
	if old.lifetime > q.lifetime {
		return q
	}
	r.slots[r.head] = nil
	r.head = (r.head + 1) % poolDepth
	r.slots[(r.head+r.n-1)%poolDepth] = q
	return old
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Stats counts prime pool events.
type Stats struct {
	Generated uint64 // primes created
	Requeued  uint64 // primes returned to a pool
	Evicted   uint64 // primes destroyed because their pool was full
	Exhausted uint64 // primes destroyed because their lifetime was spent
	Pooled    int    // primes currently waiting in pools
}

// Option configures a Pool.
type Option func(*Pool)

// WithRand sets the entropy source for prime generation.
func WithRand(r io.Reader) Option {
	return func(p *Pool) {
		p.rand = r
	}
}

// Pool is the prime cache. It is safe for concurrent use.
type Pool struct {
	rings [poolCount]ring
	next  atomic.Uint32
	bits  int
	e     *big.Int
	rand  io.Reader

	generated atomic.Uint64
	requeued  atomic.Uint64
	evicted   atomic.Uint64
	exhausted atomic.Uint64
}

// New returns an empty pool producing primes of size bits that are
// usable with public exponent e, i.e. gcd(p-1, e) = 1.
func New(size int, e uint32, opts ...Option) (*Pool, error) {
	if size < MinBits {
		return nil, fmt.Errorf("%w: prime size %d", leekerrors.ErrInvalidKeySize, size)
	}
	p := &Pool{
		bits: size,
		e:    new(big.Int).SetUint64(uint64(e)),
		rand: rand.Reader,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Fetch returns a prime. With a nil partner the prime comes from the next
// pool in round-robin order. Otherwise it comes from the first pool the
// partner has not been paired with, is never equal to the partner, and the
// pairing is recorded on both primes.
func (p *Pool) Fetch(partner *Prime) (*Prime, error) {
	if partner == nil {
		pool := int(p.next.Add(1)-1) & poolMask
		return p.take(pool)
	}

	pool, ok := partner.partnerPool()
	if !ok {
		return nil, leekerrors.ErrPrimeExhausted
	}
	for {
		q, err := p.take(pool)
		if err != nil {
			return nil, err
		}
		if q.P.Cmp(partner.P) == 0 {
			p.Destroy(q)
			continue
		}
		q.match(partner.pool)
		partner.match(q.pool)
		partner.nextPool = (partner.nextPool + 1) & poolMask
		return q, nil
	}
}

// take pops a prime from pool or generates a fresh one for it.
func (p *Pool) take(pool int) (*Prime, error) {
	if q := p.rings[pool].pop(); q != nil {
		return q, nil
	}
	return p.generate(pool)
}

func (p *Pool) generate(pool int) (*Prime, error) {
	one := big.NewInt(1)
	var pm1, g big.Int
	for {
		candidate, err := rand.Prime(p.rand, p.bits)
		if err != nil {
			return nil, fmt.Errorf("%w: generate prime: %w", leekerrors.ErrKeyGeneration, err)
		}
		pm1.Sub(candidate, one)
		if g.GCD(nil, nil, &pm1, p.e).Cmp(one) == 0 {
			p.generated.Add(1)
			return newPrime(candidate, pool), nil
		}
	}
}

// Recycle hands a prime back. Primes with lifetime left are requeued in
// their own pool; the others are destroyed.
func (p *Pool) Recycle(q *Prime) {
	if q == nil {
		return
	}
	if q.lifetime <= 0 {
		p.exhausted.Add(1)
		q.wipe()
		return
	}
	p.requeued.Add(1)
	if dropped := p.rings[q.pool].push(q); dropped != nil {
		p.evicted.Add(1)
		dropped.wipe()
	}
}

// Destroy drops a prime without requeueing it.
func (p *Pool) Destroy(q *Prime) {
	if q != nil {
		q.wipe()
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	st := Stats{
		Generated: p.generated.Load(),
		Requeued:  p.requeued.Load(),
		Evicted:   p.evicted.Load(),
		Exhausted: p.exhausted.Load(),
	}
	for i := range p.rings {
		st.Pooled += p.rings[i].len()
	}
	return st
}
