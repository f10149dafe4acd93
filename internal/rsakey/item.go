// Package rsakey assembles the RSA keypairs that are searched and
// re-validates the ones that match.
package rsakey

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	leekerrors "github.com/tamirms/leek/errors"
	"github.com/tamirms/leek/internal/address"
	"github.com/tamirms/leek/internal/impl"
	"github.com/tamirms/leek/internal/primes"
	"github.com/tamirms/leek/internal/sha1x"
)

var one = big.NewInt(1)

// Item is one keypair whose public exponent is being searched. It owns its
// two primes until Release or Destroy hands them back.
type Item struct {
	N    *big.Int
	D    *big.Int // private exponent for the base exponent
	Dmp1 *big.Int
	Dmq1 *big.Int
	Iqmp *big.Int

	// E is the base exponent encoded in DER.
	E   uint32
	DER []byte

	pool *primes.Pool
	p, q *primes.Prime // p > q
}

// P returns the larger prime.
func (it *Item) P() *big.Int { return it.p.P }

// Q returns the smaller prime.
func (it *Item) Q() *big.Int { return it.q.P }

// Release returns the primes to the pool. It is safe to call more than once.
func (it *Item) Release() {
	it.pool.Recycle(it.p)
	it.pool.Recycle(it.q)
	it.p, it.q = nil, nil
}

// Destroy drops the primes so they are never paired again.
func (it *Item) Destroy() {
	it.pool.Destroy(it.p)
	it.pool.Destroy(it.q)
	it.p, it.q = nil, nil
}

// Factory builds items from a prime pool.
type Factory struct {
	pool    *primes.Pool
	keyBits int
	e       uint32
}

// NewFactory returns a factory for keyBits-bit keys whose DER carries the
// base exponent e.
func NewFactory(pool *primes.Pool, keyBits int, e uint32) *Factory {
	return &Factory{pool: pool, keyBits: keyBits, e: e}
}

// Generate builds a keypair from two paired primes and prepares st for it.
// On error the primes are returned to the pool and no item is produced.
func (f *Factory) Generate(st impl.State) (item *Item, err error) {
	p, err := f.pool.Fetch(nil)
	if err != nil {
		return nil, fmt.Errorf("fetch prime: %w", err)
	}
	q, err := f.pool.Fetch(p)
	if err != nil {
		f.pool.Recycle(p)
		return nil, fmt.Errorf("fetch partner prime: %w", err)
	}

	it := &Item{E: f.e, pool: f.pool, p: p, q: q}
	defer func() {
		if err != nil {
			it.Release()
			item = nil
		}
	}()

	if err = it.derive(f.keyBits); err != nil {
		return nil, err
	}
	if it.DER, err = PublicDER(it.N, it.E); err != nil {
		return nil, err
	}
	if err = checkLayout(it.DER, it.E); err != nil {
		return nil, err
	}
	if err = st.Precalc(it.DER); err != nil {
		return nil, fmt.Errorf("precalc: %w", err)
	}
	return it, nil
}

// derive computes n and the private values from the primes.
func (it *Item) derive(keyBits int) error {
	if it.p.P.Cmp(it.q.P) < 0 {
		it.p, it.q = it.q, it.p
	}
	p, q := it.p.P, it.q.P

	it.N = new(big.Int).Mul(p, q)
	if it.N.BitLen() != keyBits {
		return fmt.Errorf("%w: modulus has %d bits, want %d", leekerrors.ErrKeyGeneration, it.N.BitLen(), keyBits)
	}

	pm1 := new(big.Int).Sub(p, one)
	qm1 := new(big.Int).Sub(q, one)
	phi := new(big.Int).Mul(pm1, qm1)
	e := new(big.Int).SetUint64(uint64(it.E))

	it.D = new(big.Int).ModInverse(e, phi)
	if it.D == nil {
		return fmt.Errorf("%w: e has no inverse mod phi(n)", leekerrors.ErrKeyGeneration)
	}
	it.Dmp1 = new(big.Int).Mod(it.D, pm1)
	it.Dmq1 = new(big.Int).Mod(it.D, qm1)
	it.Iqmp = new(big.Int).ModInverse(q, p)
	if it.Iqmp == nil {
		return fmt.Errorf("%w: q has no inverse mod p", leekerrors.ErrKeyGeneration)
	}
	return nil
}

// PublicDER encodes the PKCS#1 RSAPublicKey (n, e).
func PublicDER(n *big.Int, e uint32) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(n)
		b.AddASN1Int64(int64(e))
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: encode public key: %w", leekerrors.ErrKeyGeneration, err)
	}
	return der, nil
}

// checkLayout verifies that e is a 4-byte INTEGER closing the DER, which
// is what the exhaust kernels rewrite.
func checkLayout(der []byte, e uint32) error {
	n := len(der)
	if n < sha1x.ExponentSize+2 {
		return fmt.Errorf("%w: %d-byte DER", leekerrors.ErrLayout, n)
	}
	tail := der[n-sha1x.ExponentSize-2:]
	want := [...]byte{byte(asn1.INTEGER), sha1x.ExponentSize, byte(e >> 24), byte(e >> 16), byte(e >> 8), byte(e)}
	if [6]byte(tail) != want {
		return fmt.Errorf("%w: exponent is not the trailing 4-byte INTEGER", leekerrors.ErrLayout)
	}
	return nil
}

// Recheck rebuilds the key for exponent e with the big-integer library,
// validates it and confirms that its public key hashes to addr.
func (it *Item) Recheck(e uint32, addr address.Raw) (*rsa.PrivateKey, error) {
	p, q := it.p.P, it.q.P
	pm1 := new(big.Int).Sub(p, one)
	qm1 := new(big.Int).Sub(q, one)
	g := new(big.Int).GCD(nil, nil, pm1, qm1)
	lambda := new(big.Int).Mul(pm1, qm1)
	lambda.Quo(lambda, g)

	bigE := new(big.Int).SetUint64(uint64(e))
	if new(big.Int).GCD(nil, nil, bigE, lambda).Cmp(one) != 0 {
		return nil, fmt.Errorf("%w: e=%d", leekerrors.ErrExponentNotCoprime, e)
	}
	if bigE.Cmp(new(big.Int).Sub(it.N, one)) >= 0 {
		return nil, fmt.Errorf("%w: e=%d", leekerrors.ErrExponentTooLarge, e)
	}

	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: new(big.Int).Set(it.N), E: int(e)},
		D:         new(big.Int).ModInverse(bigE, lambda),
		Primes:    []*big.Int{new(big.Int).Set(p), new(big.Int).Set(q)},
	}
	key.Precompute()
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", leekerrors.ErrInvalidKey, err)
	}

	sum := sha1.Sum(x509.MarshalPKCS1PublicKey(&key.PublicKey))
	if got := address.FromDigest(sum[:]); got != addr {
		return nil, fmt.Errorf("%w: %s, expected %s", leekerrors.ErrAddressMismatch, got, addr)
	}
	return key, nil
}

// EncodePEM returns the PKCS#1 PEM block of key.
func EncodePEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}
