// Package cid implements the content addressor (C1): deterministic
// canonical encoding of typed payloads and the content identifiers
// derived from them.
//
// Two structurally equal values must always canonicalize to identical
// bytes and therefore to identical CIDs; this is the one hard
// invariant the rest of the event core leans on.
package cid

import (
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/text/unicode/norm"
	"lukechampine.com/blake3"
)

// Errors returned by this package. Encoding failures are programmer
// errors (a non-canonicalizable value); decoding failures are
// data-integrity errors raised against bytes read back from storage.
var (
	ErrEncodeFailed     = errors.New("cid: encode failed")
	ErrDecodeFailed     = errors.New("cid: decode failed")
	ErrUnsupportedCodec = errors.New("cid: unsupported codec")
)

// codec and hash identifiers embedded in the CID prefix.
const (
	codecCanonicalCBOR byte = 0x01
	hashBLAKE3_256     byte = 0x01

	// digestSize is the BLAKE3-256 output length in bytes.
	digestSize = 32

	// streamThreshold is the payload size at or above which HashBytes
	// routes through the streaming Hash instead of a single Write.
	streamThreshold = 64 * 1024
)

// CID is a fixed-width content identifier: a codec byte, a hash
// function byte, and the digest itself.
type CID struct {
	codec  byte
	hash   byte
	digest [digestSize]byte
}

// String renders the CID in its canonical textual form,
// "b3cbor1<hex>", naming the hash family and codec before the digest.
func (c CID) String() string {
	return fmt.Sprintf("b3cbor%d%s", c.codec, hex.EncodeToString(c.digest[:]))
}

// Bytes returns the canonical binary form: codec || hash || digest.
func (c CID) Bytes() []byte {
	out := make([]byte, 0, 2+digestSize)
	out = append(out, c.codec, c.hash)
	out = append(out, c.digest[:]...)
	return out
}

// Equal reports whether two CIDs address the same content. Comparison
// is constant-time over the digest to avoid leaking partial matches
// through timing when CIDs are compared against untrusted input.
func (c CID) Equal(other CID) bool {
	if c.codec != other.codec || c.hash != other.hash {
		return false
	}
	return subtle.ConstantTimeCompare(c.digest[:], other.digest[:]) == 1
}

// IsZero reports whether c is the zero value (no content addressed).
func (c CID) IsZero() bool {
	return c == CID{}
}

// FromBytes parses the canonical binary form produced by Bytes.
func FromBytes(b []byte) (CID, error) {
	if len(b) != 2+digestSize {
		return CID{}, fmt.Errorf("%w: wrong length %d", ErrDecodeFailed, len(b))
	}
	if b[0] != codecCanonicalCBOR {
		return CID{}, fmt.Errorf("%w: codec byte 0x%02x", ErrUnsupportedCodec, b[0])
	}
	if b[1] != hashBLAKE3_256 {
		return CID{}, fmt.Errorf("%w: hash byte 0x%02x", ErrUnsupportedCodec, b[1])
	}
	var c CID
	c.codec, c.hash = b[0], b[1]
	copy(c.digest[:], b[2:])
	return c, nil
}

// canonicalMode is the shared CBOR encoding mode, built once at
// package init. Decode uses the library's default decoder.
var canonicalMode = mustCanonicalMode()

func mustCanonicalMode() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	// Reject payloads that cannot round-trip deterministically rather
	// than silently coercing them.
	opts.Time = cbor.TimeRFC3339Nano
	opts.NaN = cbor.NaNConvertReject
	opts.Inf = cbor.InfConvertReject
	opts.IndefLength = cbor.IndefLengthForbidden
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("cid: building canonical CBOR mode: %v", err))
	}
	return mode
}

// Encode produces the canonical byte encoding of v: sorted map keys,
// fixed-width integers, deterministic floats, no indefinite-length
// items. Structurally equal values always produce identical bytes.
func Encode(v any) ([]byte, error) {
	b, err := canonicalMode.Marshal(normalizeStrings(v))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	return b, nil
}

// Decode parses canonical bytes produced by Encode into out, which
// must be a pointer.
func Decode(b []byte, out any) error {
	if err := cbor.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return nil
}

// normalizeStrings applies Unicode NFC normalization to every string
// reachable inside v (struct fields, map keys/values, slice/array
// elements, pointers), so visually identical values with different
// Unicode forms still canonicalize to the same bytes regardless of
// how deeply the string is nested. Unexported struct fields are
// copied through untouched rather than normalized, since they cannot
// be read back out with reflect.Value.Interface.
func normalizeStrings(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	out := normalizeValue(rv)
	if !out.IsValid() {
		return v
	}
	return out.Interface()
}

// normalizeValue mirrors rv into a new reflect.Value of the same
// type, normalizing every string it finds along the way. byte slices
// are returned unchanged: they hold binary payloads, not text.
func normalizeValue(rv reflect.Value) reflect.Value {
	if !rv.IsValid() {
		return rv
	}

	switch rv.Kind() {
	case reflect.String:
		out := reflect.New(rv.Type()).Elem()
		out.SetString(norm.NFC.String(rv.String()))
		return out

	case reflect.Ptr:
		if rv.IsNil() {
			return rv
		}
		out := reflect.New(rv.Type().Elem())
		out.Elem().Set(normalizeValue(rv.Elem()))
		return out

	case reflect.Interface:
		if rv.IsNil() {
			return rv
		}
		elem := normalizeValue(rv.Elem())
		out := reflect.New(rv.Type()).Elem()
		out.Set(elem)
		return out

	case reflect.Slice:
		if rv.IsNil() {
			return rv
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(normalizeValue(rv.Index(i)))
		}
		return out

	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv
		}
		out := reflect.New(rv.Type()).Elem()
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(normalizeValue(rv.Index(i)))
		}
		return out

	case reflect.Map:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(normalizeValue(iter.Key()), normalizeValue(iter.Value()))
		}
		return out

	case reflect.Struct:
		// Copy the whole struct first so unexported fields (time.Time's
		// internal wall/ext/loc, a CID's codec/hash/digest) survive the
		// round trip, then overwrite the exported fields with their
		// normalized values.
		out := reflect.New(rv.Type()).Elem()
		out.Set(rv)
		for i := 0; i < rv.NumField(); i++ {
			field := rv.Type().Field(i)
			if field.PkgPath != "" {
				continue
			}
			out.Field(i).Set(normalizeValue(rv.Field(i)))
		}
		return out

	default:
		return rv
	}
}

// Hash computes a CID over the bytes read from r, streaming through
// the hasher rather than buffering the whole payload.
func Hash(r io.Reader) (CID, error) {
	h := blake3.New(digestSize, nil)
	if _, err := io.Copy(h, r); err != nil {
		return CID{}, fmt.Errorf("%w: hashing stream: %v", ErrEncodeFailed, err)
	}
	return fromDigest(h.Sum(nil)), nil
}

// HashBytes computes a CID over b directly. Payloads at or above
// streamThreshold are hashed through a streaming reader so the
// incremental code path is always exercised for large payloads.
func HashBytes(b []byte) CID {
	if len(b) < streamThreshold {
		h := blake3.New(digestSize, nil)
		h.Write(b)
		return fromDigest(h.Sum(nil))
	}
	c, err := Hash(bytes.NewReader(b))
	if err != nil {
		// blake3.Hasher.Write never errors; Hash only errors on io.Copy
		// failures, which cannot happen reading from a bytes.Reader.
		panic(fmt.Sprintf("cid: unreachable streaming hash error: %v", err))
	}
	return c
}

func fromDigest(d []byte) CID {
	var c CID
	c.codec = codecCanonicalCBOR
	c.hash = hashBLAKE3_256
	copy(c.digest[:], d)
	return c
}

// Of computes the CID of v's canonical encoding: Hash(Encode(v)).
func Of(v any) (CID, error) {
	b, err := Encode(v)
	if err != nil {
		return CID{}, err
	}
	return HashBytes(b), nil
}
