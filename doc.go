// Package leek searches for RSA keypairs whose onion address starts with
// one of a set of wanted prefixes.
//
// An onion address is the base32 form of the first 80 bits of the SHA-1
// of a PKCS#1 public key DER. The public exponent sits in the last four
// bytes of that DER, so for every generated modulus leek hashes the whole
// exponent range [0x00800001, 0x7FFFFFFF], reusing the SHA-1 state of the
// fixed prefix and computing many exponents per step in parallel lanes.
// Each candidate that matches is rebuilt with math/big and crypto/rsa,
// validated and rehashed before it is reported.
//
// # Basic Usage
//
//	m, err := prefix.NewSingle("leek")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	results := make(leek.ChannelSink, 16)
//	s, err := leek.New(m, leek.WithStopAfter(1), leek.WithSink(results))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := s.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	r := <-results
//	fmt.Println(r.Hostname())
//	os.Stdout.Write(r.PrivateKeyPEM)
//
// # Package Structure
//
// The implementation is organized as follows:
//
//   - Public API: searcher.go (New, Run, Stop, Stats), result.go (Result, ResultSink)
//   - Configuration: options.go (Option, With* functions)
//   - Workers: worker.go (per-thread loop), padding.go, affinity_*.go
//   - Addresses: internal/address (80-bit address, base32, prefix masks)
//   - Prefix matching: internal/prefix (bucketed dictionary index, single prefix)
//   - Keys: internal/primes (prime pools and pairing), internal/rsakey (items, recheck)
//   - Hashing: internal/sha1x (exhaust loop nest and lane kernel), internal/impl (backends, registry)
//   - Errors: errors/ (sentinels shared by all packages)
package leek
