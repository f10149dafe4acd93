package leek

import (
	"crypto/rsa"
	"crypto/x509"
	"math/bits"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/tamirms/leek/internal/address"
)

// Result is a confirmed keypair whose address starts with a wanted prefix.
type Result struct {
	ID            uint64
	Address       string // 16 base32 characters
	Length        int    // length of the matched prefix
	Exponent      uint32
	PrivateKeyPEM []byte
}

// Hostname returns the address with its domain suffix.
func (r Result) Hostname() string {
	return r.Address + address.Suffix
}

// ExponentWeight returns the number of set bits in the public exponent.
func (r Result) ExponentWeight() int {
	return bits.OnesCount32(r.Exponent)
}

// ResultSink receives confirmed results. Report is called from worker
// goroutines and must be safe for concurrent use.
type ResultSink interface {
	Report(Result) error
}

// SinkFunc adapts a function to ResultSink.
type SinkFunc func(Result) error

// Report calls f(r).
func (f SinkFunc) Report(r Result) error {
	return f(r)
}

// ChannelSink delivers results on a channel. Report blocks while the
// channel is full.
type ChannelSink chan Result

// Report sends r.
func (c ChannelSink) Report(r Result) error {
	c <- r
	return nil
}

// dedup remembers the public keys already reported.
type dedup struct {
	mu   sync.Mutex
	seen map[xxh3.Uint128]struct{}
}

func newDedup() *dedup {
	return &dedup{seen: make(map[xxh3.Uint128]struct{})}
}

// add reports whether key had not been seen before.
func (d *dedup) add(key *rsa.PublicKey) bool {
	fp := xxh3.Hash128(x509.MarshalPKCS1PublicKey(key))
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[fp]; ok {
		return false
	}
	d.seen[fp] = struct{}{}
	return true
}
