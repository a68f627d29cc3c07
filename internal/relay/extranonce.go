package relay

import (
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/bardlex/gomp-relay/pkg/errors"
)

const (
	// DefaultExtraNonce1 marks an upstream that has not answered subscribe yet.
	DefaultExtraNonce1 = "ffff0000"
	// DefaultExtraNonce2Size is assumed until the upstream announces its size.
	DefaultExtraNonce2Size = 4

	// localNonceBytes of the upstream extranonce2 are kept by the relay to
	// tell local miners apart.
	localNonceBytes = 2
	counterHexLen   = 16
)

// extraNonce is the upstream extranonce layout and the per-miner counter
// carved out of it.
type extraNonce struct {
	extraNonce1     string
	extraNonce2Size int
	prefix          string
	counter         uint64
	minerNonce2Size int
}

func defaultExtraNonce() extraNonce {
	return extraNonce{extraNonce1: DefaultExtraNonce1, extraNonce2Size: DefaultExtraNonce2Size}
}

func (e extraNonce) totalSize() int { return len(e.extraNonce1)/2 + e.extraNonce2Size }

func randomNonZeroByte() byte { return byte(rand.IntN(255) + 1) }

// ExtraNonce1 returns the upstream extranonce1.
func (m *Manager) ExtraNonce1() string {
	m.nonceMu.RLock()
	defer m.nonceMu.RUnlock()
	return m.nonce.extraNonce1
}

// ExtraNonce2Size returns the upstream extranonce2 size in bytes.
func (m *Manager) ExtraNonce2Size() int {
	m.nonceMu.RLock()
	defer m.nonceMu.RUnlock()
	return m.nonce.extraNonce2Size
}

// HasDefaultExtraNonce1 reports whether no subscribe response arrived yet.
func (m *Manager) HasDefaultExtraNonce1() bool {
	return m.ExtraNonce1() == DefaultExtraNonce1
}

// XNonce1Prefix is the part of the upstream extranonce1 above the 64-bit counter.
func (m *Manager) XNonce1Prefix() string {
	m.nonceMu.RLock()
	defer m.nonceMu.RUnlock()
	return m.nonce.prefix
}

// FormattedXNonce2Size is the extranonce2 size handed to local miners.
func (m *Manager) FormattedXNonce2Size() int {
	m.nonceMu.RLock()
	defer m.nonceMu.RUnlock()
	return m.nonce.minerNonce2Size
}

// SetFormattedXNonce2Size overrides the miner extranonce2 size.
func (m *Manager) SetFormattedXNonce2Size(n int) {
	m.nonceMu.Lock()
	defer m.nonceMu.Unlock()
	m.nonce.minerNonce2Size = n
}

// SetExtraNonce stores the layout announced by the upstream.
func (m *Manager) SetExtraNonce(extraNonce1 string, extraNonce2Size int) {
	m.nonceMu.Lock()
	defer m.nonceMu.Unlock()
	m.nonce.extraNonce1 = extraNonce1
	m.nonce.extraNonce2Size = extraNonce2Size
}

// ResetExtraNonce1 forgets the upstream extranonce1.
func (m *Manager) ResetExtraNonce1() {
	m.nonceMu.Lock()
	defer m.nonceMu.Unlock()
	m.nonce.extraNonce1 = DefaultExtraNonce1
}

// FormatExtraNonce seeds the miner counter from the upstream extranonce1
// followed by two random non-zero bytes. Whatever does not fit in 64 bits
// becomes a fixed hex prefix.
func (m *Manager) FormatExtraNonce() error {
	m.nonceMu.Lock()
	defer m.nonceMu.Unlock()

	if m.nonce.extraNonce2Size <= localNonceBytes {
		return errors.New(errors.ErrorTypeRelay, "format_extranonce",
			fmt.Sprintf("upstream extranonce2 size %d leaves no room for miners", m.nonce.extraNonce2Size))
	}

	s := m.nonce.extraNonce1
	for i := 0; i < localNonceBytes; i++ {
		s += fmt.Sprintf("%02x", m.randByte())
	}

	prefix := ""
	if len(s) > counterHexLen {
		prefix = s[:len(s)-counterHexLen]
		s = s[len(s)-counterHexLen:]
	}
	counter, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeRelay, "format_extranonce", "invalid upstream extranonce1").
			WithContext("extranonce1", m.nonce.extraNonce1)
	}

	m.nonce.prefix = prefix
	m.nonce.counter = counter
	m.nonce.minerNonce2Size = m.nonce.extraNonce2Size - localNonceBytes
	return nil
}

// NextMinerExtraNonce1 allocates the extranonce1 of one local miner.
func (m *Manager) NextMinerExtraNonce1() string {
	m.nonceMu.Lock()
	defer m.nonceMu.Unlock()

	full := fmt.Sprintf("%016x", m.nonce.counter)
	m.nonce.counter++

	n := 2 * (m.nonce.totalSize() - m.nonce.minerNonce2Size - len(m.nonce.prefix)/2)
	n = max(0, min(n, counterHexLen))
	return m.nonce.prefix + full[counterHexLen-n:]
}

// RelayExtraNonce2 rebuilds the upstream extranonce2 of a local share: the
// tail of the miner's extranonce1 outside the upstream extranonce1, then the
// miner's extranonce2.
func (m *Manager) RelayExtraNonce2(minerExtraNonce1, minerExtraNonce2 string) string {
	m.nonceMu.RLock()
	keep := 2 * (m.nonce.extraNonce2Size - m.nonce.minerNonce2Size)
	m.nonceMu.RUnlock()

	keep = max(0, min(keep, len(minerExtraNonce1)))
	return minerExtraNonce1[len(minerExtraNonce1)-keep:] + minerExtraNonce2
}
