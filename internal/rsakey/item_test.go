package rsakey

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"math/big"
	"testing"

	leekerrors "github.com/tamirms/leek/errors"
	"github.com/tamirms/leek/internal/address"
	"github.com/tamirms/leek/internal/impl"
	"github.com/tamirms/leek/internal/primes"
	"github.com/tamirms/leek/internal/sha1x"
)

const testKeyBits = 1024

func newTestFactory(t *testing.T) (*Factory, *primes.Pool) {
	t.Helper()
	pool, err := primes.New(testKeyBits/2, sha1x.ExponentStart)
	if err != nil {
		t.Fatal(err)
	}
	return NewFactory(pool, testKeyBits, sha1x.ExponentStart), pool
}

func newTestItem(t *testing.T) *Item {
	t.Helper()
	f, _ := newTestFactory(t)
	st, err := impl.Stdlib{}.Allocate(sha1x.DefaultRange())
	if err != nil {
		t.Fatal(err)
	}
	it, err := f.Generate(st)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return it
}

func addressOf(t *testing.T, it *Item, e uint32) address.Raw {
	t.Helper()
	der, err := PublicDER(it.N, e)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha1.Sum(der)
	return address.FromDigest(sum[:])
}

func TestGenerate(t *testing.T) {
	it := newTestItem(t)
	defer it.Release()

	if it.P().Cmp(it.Q()) <= 0 {
		t.Errorf("p is not the larger prime")
	}
	if it.N.BitLen() != testKeyBits {
		t.Errorf("modulus has %d bits", it.N.BitLen())
	}
	if len(it.DER) != 141 {
		t.Errorf("DER is %d bytes, want 141 for a 1024-bit key", len(it.DER))
	}

	parsed, err := x509.ParsePKCS1PublicKey(it.DER)
	if err != nil {
		t.Fatalf("DER does not parse: %v", err)
	}
	if parsed.N.Cmp(it.N) != 0 || parsed.E != sha1x.ExponentStart {
		t.Errorf("parsed key (N, E=%d) differs from the item", parsed.E)
	}

	phi := new(big.Int).Mul(new(big.Int).Sub(it.P(), one), new(big.Int).Sub(it.Q(), one))
	ed := new(big.Int).Mul(big.NewInt(sha1x.ExponentStart), it.D)
	if ed.Mod(ed, phi).Cmp(one) != 0 {
		t.Errorf("e*d != 1 mod phi(n)")
	}
	iq := new(big.Int).Mul(it.Iqmp, it.Q())
	if iq.Mod(iq, it.P()).Cmp(one) != 0 {
		t.Errorf("iqmp*q != 1 mod p")
	}
}

type failingState struct{}

func (failingState) Precalc([]byte) error { return leekerrors.ErrLayout }
func (failingState) Exhaust(context.Context, *sha1x.Scan) error {
	return nil
}

func TestGenerateFailureRecyclesPrimes(t *testing.T) {
	f, pool := newTestFactory(t)
	it, err := f.Generate(failingState{})
	if !errors.Is(err, leekerrors.ErrLayout) {
		t.Fatalf("Generate error = %v, want ErrLayout", err)
	}
	if it != nil {
		t.Fatalf("Generate returned an item alongside an error")
	}
	if st := pool.Stats(); st.Requeued != 2 || st.Pooled != 2 {
		t.Errorf("pool stats = %+v, want both primes requeued", st)
	}
}

func TestCheckLayout(t *testing.T) {
	der, err := PublicDER(big.NewInt(0xFFFFFF), sha1x.ExponentStart)
	if err != nil {
		t.Fatal(err)
	}
	if err := checkLayout(der, sha1x.ExponentStart); err != nil {
		t.Errorf("checkLayout: %v", err)
	}
	if err := checkLayout(der, sha1x.ExponentStart+2); !errors.Is(err, leekerrors.ErrLayout) {
		t.Errorf("wrong exponent: error = %v", err)
	}
	short, err := PublicDER(big.NewInt(0xFFFFFF), 65537)
	if err != nil {
		t.Fatal(err)
	}
	if err := checkLayout(short, 65537); !errors.Is(err, leekerrors.ErrLayout) {
		t.Errorf("3-byte exponent: error = %v", err)
	}
}

func TestRecheck(t *testing.T) {
	it := newTestItem(t)
	defer it.Release()

	e := uint32(sha1x.ExponentStart + 2*12345)
	for new(big.Int).GCD(nil, nil, big.NewInt(int64(e)), lambdaOf(it)).Cmp(one) != 0 {
		e += 2
	}
	addr := addressOf(t, it, e)

	key, err := it.Recheck(e, addr)
	if err != nil {
		t.Fatalf("Recheck: %v", err)
	}
	if key.E != int(e) {
		t.Errorf("key.E = %d, want %d", key.E, e)
	}

	block, _ := pem.Decode(EncodePEM(key))
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		t.Fatalf("PEM block missing")
	}
	parsed, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.N.Cmp(it.N) != 0 || parsed.E != int(e) {
		t.Errorf("PEM key differs from the rechecked key")
	}

	wrong := addr
	wrong[9] ^= 1
	if _, err := it.Recheck(e, wrong); !errors.Is(err, leekerrors.ErrAddressMismatch) {
		t.Errorf("mismatched address: error = %v", err)
	}
}

func lambdaOf(it *Item) *big.Int {
	pm1 := new(big.Int).Sub(it.P(), one)
	qm1 := new(big.Int).Sub(it.Q(), one)
	g := new(big.Int).GCD(nil, nil, pm1, qm1)
	l := new(big.Int).Mul(pm1, qm1)
	return l.Quo(l, g)
}

// primeWith returns a prime p of the given size with p-1 divisible by f and
// coprime to the base exponent.
func primeWith(t *testing.T, bits int, f int64) *big.Int {
	t.Helper()
	e := big.NewInt(sha1x.ExponentStart)
	bf := big.NewInt(f)
	for range 10000 {
		p, err := rand.Prime(rand.Reader, bits)
		if err != nil {
			t.Fatal(err)
		}
		pm1 := new(big.Int).Sub(p, one)
		if new(big.Int).Mod(pm1, bf).Sign() != 0 {
			continue
		}
		if new(big.Int).GCD(nil, nil, pm1, e).Cmp(one) == 0 {
			return p
		}
	}
	t.Fatalf("no prime found")
	return nil
}

// itemFromPrimes builds an item around chosen primes.
func itemFromPrimes(t *testing.T, p, q *big.Int, keyBits int) *Item {
	t.Helper()
	pool, err := primes.New(primes.MinBits, sha1x.ExponentStart)
	if err != nil {
		t.Fatal(err)
	}
	pp, err := pool.Fetch(nil)
	if err != nil {
		t.Fatal(err)
	}
	qq, err := pool.Fetch(pp)
	if err != nil {
		t.Fatal(err)
	}
	pp.P, qq.P = p, q
	it := &Item{E: sha1x.ExponentStart, pool: pool, p: pp, q: qq}
	if err := it.derive(keyBits); err != nil {
		t.Fatalf("derive: %v", err)
	}
	return it
}

// An exponent sharing a factor with lambda(n) never passes the gate.
func TestRecheckRejectsNonCoprimeExponent(t *testing.T) {
	p := primeWith(t, testKeyBits/2, 5)
	q := primeWith(t, testKeyBits/2, 1)
	it := itemFromPrimes(t, p, q, testKeyBits)

	e := uint32(sha1x.ExponentStart)
	for e%5 != 0 {
		e += 2
	}
	_, err := it.Recheck(e, addressOf(t, it, e))
	if !errors.Is(err, leekerrors.ErrExponentNotCoprime) {
		t.Fatalf("Recheck error = %v, want ErrExponentNotCoprime", err)
	}
}

func TestRecheckRejectsExponentAboveModulus(t *testing.T) {
	p := primeWith(t, 12, 1)
	q := primeWith(t, 11, 1)
	it := itemFromPrimes(t, p, q, new(big.Int).Mul(p, q).BitLen())

	e := uint32(sha1x.ExponentStart)
	for new(big.Int).GCD(nil, nil, big.NewInt(int64(e)), lambdaOf(it)).Cmp(one) != 0 {
		e += 2
	}
	_, err := it.Recheck(e, addressOf(t, it, e))
	if !errors.Is(err, leekerrors.ErrExponentTooLarge) {
		t.Fatalf("Recheck error = %v, want ErrExponentTooLarge", err)
	}
}
