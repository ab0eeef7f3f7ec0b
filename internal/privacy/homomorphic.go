package privacy

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// HomomorphicEncryption is an additive stand-in over integers modulo 2^KeySize.
// It preserves the operation contract (encrypt/decrypt/add/multiply-scalar)
// but is NOT semantically secure; a production deployment must substitute a
// real scheme such as CKKS or BFV behind the same interface.
type HomomorphicEncryption struct {
	KeySize    int
	modulus    *big.Int
	privateKey *big.Int
}

// Ciphertext wraps an encrypted scaled integer.
type Ciphertext struct {
	Value *big.Int
}

func NewHomomorphicEncryption(keySize int) (*HomomorphicEncryption, error) {
	if keySize < 64 {
		return nil, errors.New("key size must be at least 64 bits")
	}
	modulus := new(big.Int).Lsh(big.NewInt(1), uint(keySize))
	priv, err := rand.Int(rand.Reader, modulus)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	// key must be coprime-ish with the plaintext range; zero would make
	// decryption degenerate
	if priv.Sign() == 0 {
		priv = big.NewInt(1)
	}
	return &HomomorphicEncryption{
		KeySize:    keySize,
		modulus:    modulus,
		privateKey: priv,
	}, nil
}

func (he *HomomorphicEncryption) Encrypt(value float64) *Ciphertext {
	scaled := big.NewInt(int64(value * scaleFactor))
	ct := new(big.Int).Add(scaled, he.privateKey)
	ct.Mod(ct, he.modulus)
	return &Ciphertext{Value: ct}
}

// Decrypt reverses Encrypt. The count argument is the number of ciphertext
// additions folded into ct, since each addition stacks one key term.
func (he *HomomorphicEncryption) Decrypt(ct *Ciphertext, count int) float64 {
	if count < 1 {
		count = 1
	}
	keys := new(big.Int).Mul(he.privateKey, big.NewInt(int64(count)))
	plain := new(big.Int).Sub(ct.Value, keys)
	plain.Mod(plain, he.modulus)

	half := new(big.Int).Rsh(he.modulus, 1)
	if plain.Cmp(half) > 0 {
		plain.Sub(plain, he.modulus)
	}
	return float64(plain.Int64()) / scaleFactor
}

// AddEncrypted homomorphically adds two ciphertexts.
func (he *HomomorphicEncryption) AddEncrypted(a, b *Ciphertext) *Ciphertext {
	sum := new(big.Int).Add(a.Value, b.Value)
	sum.Mod(sum, he.modulus)
	return &Ciphertext{Value: sum}
}

// MultiplyEncryptedScalar multiplies a ciphertext by a plaintext integer
// scalar. The key term scales with the scalar; Decrypt's count must account
// for it.
func (he *HomomorphicEncryption) MultiplyEncryptedScalar(ct *Ciphertext, scalar int64) *Ciphertext {
	prod := new(big.Int).Mul(ct.Value, big.NewInt(scalar))
	prod.Mod(prod, he.modulus)
	return &Ciphertext{Value: prod}
}
