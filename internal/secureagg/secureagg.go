package secureagg

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/theblitlabs/parity-federated/internal/models"
)

var (
	ErrBelowThreshold = errors.New("fewer masked updates than the unmask threshold")
	ErrUnknownKeyPair = errors.New("no key pair registered for client")
)

// KeyPair is an X25519 key pair issued to a client at registration.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// SecureAggregator implements pairwise additive masking: each ordered
// client pair (i, j) shares an HKDF-derived secret from X25519 agreement,
// expands it into a per-round per-layer mask stream, and the lower-ordered
// client adds the mask while the higher-ordered one subtracts it. Masks
// cancel exactly in the sum, so the server learns only the aggregate.
//
// Dropout recovery (reconstructing the masks of clients that vanish after
// masking) is not implemented; UnmaskAggregate requires every masking
// participant to be present.
type SecureAggregator struct {
	Threshold int

	mu       sync.RWMutex
	keyPairs map[string]*KeyPair
}

func NewSecureAggregator(threshold int) *SecureAggregator {
	if threshold < 1 {
		threshold = 1
	}
	return &SecureAggregator{
		Threshold: threshold,
		keyPairs:  make(map[string]*KeyPair),
	}
}

// GenerateKeyPair creates and stores an X25519 key pair for the client.
// Registration is idempotent: an existing pair is returned unchanged.
func (s *SecureAggregator) GenerateKeyPair(clientID string) (*KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if kp, ok := s.keyPairs[clientID]; ok {
		return kp, nil
	}

	kp := &KeyPair{}
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	s.keyPairs[clientID] = kp
	return kp, nil
}

// MaskWeights adds the client's pairwise masks for the round. The
// participant set must be identical across all maskers for the masks to
// cancel.
func (s *SecureAggregator) MaskWeights(weights models.Weights, clientID string, participants []string, round int) (models.Weights, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	own, ok := s.keyPairs[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyPair, clientID)
	}

	ordered := append([]string(nil), participants...)
	sort.Strings(ordered)

	masked := weights.Clone()
	for _, peer := range ordered {
		if peer == clientID {
			continue
		}
		peerKP, ok := s.keyPairs[peer]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKeyPair, peer)
		}
		secret, err := pairSecret(own, peerKP)
		if err != nil {
			return nil, err
		}

		sign := 1.0
		if clientID > peer {
			sign = -1.0
		}
		for layer, vals := range masked {
			mask := maskStream(secret, round, layer, len(vals))
			for i := range vals {
				vals[i] += sign * mask[i]
			}
		}
	}
	return masked, nil
}

// UnmaskAggregate averages the masked updates. Because every pairwise mask
// appears once positive and once negative across the full participant set,
// the sum of masked updates equals the sum of plain updates and no mask
// reconstruction is needed, provided all maskers are present.
func (s *SecureAggregator) UnmaskAggregate(maskedUpdates []models.Weights, clientIDs []string, round int) (models.Weights, error) {
	if len(maskedUpdates) < s.Threshold {
		return nil, fmt.Errorf("%w: need %d, got %d", ErrBelowThreshold, s.Threshold, len(maskedUpdates))
	}
	if len(maskedUpdates) != len(clientIDs) {
		return nil, errors.New("masked updates and client IDs length mismatch")
	}

	sum := make(models.Weights)
	for _, update := range maskedUpdates {
		for layer, vals := range update {
			if _, ok := sum[layer]; !ok {
				sum[layer] = make([]float64, len(vals))
			}
			dst := sum[layer]
			for i, v := range vals {
				if i < len(dst) {
					dst[i] += v
				}
			}
		}
	}

	n := float64(len(maskedUpdates))
	for _, vals := range sum {
		for i := range vals {
			vals[i] /= n
		}
	}
	return sum, nil
}

// pairSecret derives the shared pair secret via X25519 agreement plus HKDF.
// Both sides of a pair derive the same secret regardless of direction.
func pairSecret(own, peer *KeyPair) ([]byte, error) {
	point, err := curve25519.X25519(own.Private[:], peer.Public[:])
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	kdf := hkdf.New(sha256.New, point, nil, []byte("parity-federated/pairwise-mask"))
	secret := make([]byte, 32)
	if _, err := kdf.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// maskScale sets the magnitude of each mask value. It must be large enough
// to swamp any plausible weight magnitude, or a masked update leaks the
// plaintext to within the mask bound. Cancellation of a pairwise
// add/subtract at this scale costs ~2^-32 absolute error per coordinate,
// far below aggregation tolerances.
const maskScale = 1 << 20

// maskStream expands (secret, round, layer) into n float64 mask values via
// AES-CTR as the PRG, in the manner of round-keyed blinding vectors.
func maskStream(secret []byte, round int, layer string, n int) []float64 {
	seed := sha256.Sum256(append(append(append([]byte{}, secret...), layerRoundTag(round)...), layer...))

	block, err := aes.NewCipher(seed[:16])
	if err != nil {
		panic(err.Error())
	}
	iv := make([]byte, aes.BlockSize)
	copy(iv, seed[16:])
	stream := cipher.NewCTR(block, iv)

	buf := make([]byte, n*8)
	stream.XORKeyStream(buf, buf)

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint64(buf[i*8 : (i+1)*8])
		// uniform in [-maskScale, maskScale)
		out[i] = maskScale * (2*float64(bits>>11)/float64(1<<53) - 1)
	}
	return out
}

func layerRoundTag(round int) []byte {
	tag := make([]byte, 8)
	binary.BigEndian.PutUint64(tag, uint64(round))
	return tag
}

