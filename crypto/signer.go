// Package crypto is the default implementation of the event.Signer and
// Encryptor collaborator interfaces the core consumes. It is the only
// package in this module that imports secp256k1/Schnorr or NIP-04/NIP-44
// code — every other package treats cryptography as an injected
// dependency, per §1 of the specification.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/relaynet/corepool/event"
)

// KeySigner signs and verifies events using a secp256k1 private key,
// producing and checking BIP-340 Schnorr signatures over the x-only
// public key exactly as NIP-01 requires.
type KeySigner struct {
	privateKey *btcec.PrivateKey
	publicKey  string // x-only, hex
}

var _ event.Signer = (*KeySigner)(nil)

// NewKeySigner builds a KeySigner from a hex-encoded 32-byte private key.
func NewKeySigner(privateKeyHex string) (*KeySigner, error) {
	b, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("could not decode private key: %w", err)
	}
	priv, pub := btcec.PrivKeyFromBytes(b)
	return &KeySigner{
		privateKey: priv,
		publicKey:  hex.EncodeToString(schnorr.SerializePubKey(pub)),
	}, nil
}

func (s *KeySigner) GetPublicKey() (string, error) {
	return s.publicKey, nil
}

// Hash returns the lowercase-hex SHA-256 digest of an event's canonical
// serialization — the event id computation described in §6.
func Hash(evt event.Event) string {
	sum := sha256.Sum256(evt.CanonicalJSON())
	return hex.EncodeToString(sum[:])
}

func (s *KeySigner) Sign(evt *event.Event) error {
	evt.PubKey = s.publicKey
	id := Hash(*evt)
	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return fmt.Errorf("could not decode computed id: %w", err)
	}
	sig, err := schnorr.Sign(s.privateKey, idBytes)
	if err != nil {
		return fmt.Errorf("could not sign event: %w", err)
	}
	evt.ID = id
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

func (s *KeySigner) Verify(evt *event.Event) (bool, error) {
	return Verify(*evt)
}

// Verify recomputes evt's canonical hash, checks it matches evt.ID, and
// verifies evt.Sig against that id under evt.PubKey. This is the free
// function other components (the cache, the subscription manager) call
// when they only have an event, not a KeySigner instance — verification
// needs no private key.
func Verify(evt event.Event) (bool, error) {
	if Hash(evt) != evt.ID {
		return false, nil
	}
	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false, fmt.Errorf("could not decode pubkey: %w", err)
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false, fmt.Errorf("could not parse pubkey: %w", err)
	}
	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false, fmt.Errorf("could not decode signature: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false, fmt.Errorf("could not parse signature: %w", err)
	}
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return false, fmt.Errorf("could not decode id: %w", err)
	}
	return sig.Verify(idBytes, pubKey), nil
}
