// Package tsid generates time-sorted identifiers: 42 bits of
// milliseconds since 2020-01-01 followed by 22 random bits, rendered
// as 13 Crockford base32 characters. String order follows creation
// order at millisecond granularity, which keeps outbox IDs
// index-friendly.
package tsid

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

const (
	// epochMilli is 2020-01-01T00:00:00Z.
	epochMilli = 1577836800000

	randomBits = 22
	encodedLen = 13

	digits = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

var ErrInvalidTSID = errors.New("invalid tsid")

// digitValues maps encoded bytes back to their 5-bit values, including
// the Crockford aliases (O reads as 0; I and L as 1) and lowercase.
var digitValues [256]int8

func init() {
	for i := range digitValues {
		digitValues[i] = -1
	}
	for value, c := range []byte(digits) {
		digitValues[c] = int8(value)
		digitValues[c|0x20] = int8(value)
	}
	for _, alias := range []struct {
		c     byte
		value int8
	}{{'O', 0}, {'I', 1}, {'L', 1}, {'U', 27}} {
		digitValues[alias.c] = alias.value
		digitValues[alias.c|0x20] = alias.value
	}
}

// Generator produces TSIDs. The zero value is ready to use; all
// methods are safe for concurrent callers.
type Generator struct {
	mu        sync.Mutex
	lastMilli int64
	seq       uint32
}

func NewGenerator() *Generator {
	return &Generator{}
}

var defaultGenerator Generator

// Generate returns a new TSID from the shared generator.
func Generate() string {
	return defaultGenerator.Generate()
}

// Generate returns a new 13-character TSID.
func (g *Generator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli() - epochMilli

	var buf [4]byte
	rand.Read(buf[:])
	random := binary.BigEndian.Uint32(buf[:]) & (1<<randomBits - 1)

	// Within one millisecond the timestamp cannot break ties, so a
	// sequence number occupies the low 16 random bits.
	if now == g.lastMilli {
		g.seq++
		random = random&^0xFFFF | g.seq&0xFFFF
	} else {
		g.lastMilli = now
		g.seq = 0
	}

	return encode(uint64(now)<<randomBits | uint64(random))
}

// ToLong decodes a TSID string into its numeric form.
func ToLong(tsid string) (int64, error) {
	value, err := decode(tsid)
	if err != nil {
		return 0, err
	}
	return int64(value), nil
}

// ToString renders a numeric TSID back into its string form.
func ToString(value int64) string {
	return encode(uint64(value))
}

// Timestamp extracts the creation time embedded in a TSID.
func Timestamp(tsid string) (time.Time, error) {
	value, err := decode(tsid)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(value>>randomBits) + epochMilli), nil
}

func encode(value uint64) string {
	var out [encodedLen]byte
	for i := encodedLen - 1; i >= 0; i-- {
		out[i] = digits[value&0x1F]
		value >>= 5
	}
	return string(out[:])
}

func decode(tsid string) (uint64, error) {
	if len(tsid) != encodedLen {
		return 0, ErrInvalidTSID
	}
	var value uint64
	for i := 0; i < len(tsid); i++ {
		v := digitValues[tsid[i]]
		if v < 0 {
			return 0, ErrInvalidTSID
		}
		value = value<<5 | uint64(v)
	}
	return value, nil
}
