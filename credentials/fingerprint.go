package credentials

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"sync"

	"github.com/zeebo/blake3"
)

// Fingerprint is a non-reversible key derived from (service, credential),
// safe for pool lookup and for logs. It is keyed with per-process random
// material, so a logged fingerprint cannot be tested offline against guessed
// tokens; fingerprints are only stable within one process lifetime, which is
// all the pool needs.
type Fingerprint string

var (
	fpKeyOnce sync.Once
	fpKey     [32]byte
)

func fingerprintKey() []byte {
	fpKeyOnce.Do(func() {
		if _, err := rand.Read(fpKey[:]); err != nil {
			panic("credentials: cannot read random fingerprint key: " + err.Error())
		}
	})
	return fpKey[:]
}

// Fingerprint derives the pool key for this credential on the given service.
// Identical inputs produce identical fingerprints within a process; any
// difference in service, kind, identity, or token produces a different one.
func (c Credential) Fingerprint(service Service) Fingerprint {
	h, err := blake3.NewKeyed(fingerprintKey())
	if err != nil {
		panic("credentials: blake3 keyed hasher: " + err.Error())
	}
	writeField(h, string(service))
	writeField(h, string(c.Kind))
	writeField(h, c.Identity)
	writeField(h, c.Token)
	sum := h.Sum(nil)
	return Fingerprint(hex.EncodeToString(sum[:8]))
}

// writeField length-prefixes each field so adjacent fields can never alias
// ("ab"+"c" vs "a"+"bc").
func writeField(h *blake3.Hasher, s string) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}
