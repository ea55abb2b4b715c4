package crypto

import (
	"encoding/hex"
	"fmt"

	"github.com/ekzyis/nip44"
	"github.com/nbd-wtf/go-nostr/nip04"
)

// Scheme selects which NIP the RPC layer (C6) uses to encrypt request
// and response payloads.
type Scheme string

const (
	SchemeLegacy Scheme = "legacy" // NIP-04
	SchemeModern Scheme = "modern" // NIP-44
)

// Encryptor is the encryption collaborator interface the core (C6)
// consumes. Both Encrypt and Decrypt take the local private key and the
// counterparty's public key rather than a precomputed shared secret, so
// implementations are free to cache conversation keys internally.
type Encryptor interface {
	Encrypt(plaintext, recipientPubHex, senderPrivHex string, scheme Scheme) (string, error)
	Decrypt(ciphertext, counterpartyPubHex, ownPrivHex string, scheme Scheme) (string, error)
}

// NIPEncryptor implements Encryptor using NIP-04 (legacy) and NIP-44
// (modern) as published by the nbd-wtf and ekzyis reference packages.
type NIPEncryptor struct{}

var _ Encryptor = NIPEncryptor{}

func (NIPEncryptor) Encrypt(plaintext, recipientPubHex, senderPrivHex string, scheme Scheme) (string, error) {
	switch scheme {
	case SchemeModern:
		convKey, err := conversationKey(senderPrivHex, recipientPubHex)
		if err != nil {
			return "", err
		}
		ciphertext, err := nip44.Encrypt(convKey, plaintext)
		if err != nil {
			return "", fmt.Errorf("nip44 encrypt: %w", err)
		}
		return ciphertext, nil
	case SchemeLegacy:
		shared, err := nip04.ComputeSharedSecret(recipientPubHex, senderPrivHex)
		if err != nil {
			return "", fmt.Errorf("nip04 shared secret: %w", err)
		}
		ciphertext, err := nip04.Encrypt(plaintext, shared)
		if err != nil {
			return "", fmt.Errorf("nip04 encrypt: %w", err)
		}
		return ciphertext, nil
	default:
		return "", fmt.Errorf("unknown encryption scheme %q", scheme)
	}
}

func (NIPEncryptor) Decrypt(ciphertext, counterpartyPubHex, ownPrivHex string, scheme Scheme) (string, error) {
	switch scheme {
	case SchemeModern:
		convKey, err := conversationKey(ownPrivHex, counterpartyPubHex)
		if err != nil {
			return "", err
		}
		plaintext, err := nip44.Decrypt(convKey, ciphertext)
		if err != nil {
			return "", fmt.Errorf("nip44 decrypt: %w", err)
		}
		return plaintext, nil
	case SchemeLegacy:
		shared, err := nip04.ComputeSharedSecret(counterpartyPubHex, ownPrivHex)
		if err != nil {
			return "", fmt.Errorf("nip04 shared secret: %w", err)
		}
		plaintext, err := nip04.Decrypt(ciphertext, shared)
		if err != nil {
			return "", fmt.Errorf("nip04 decrypt: %w", err)
		}
		return plaintext, nil
	default:
		return "", fmt.Errorf("unknown encryption scheme %q", scheme)
	}
}

// conversationKey computes the NIP-44 conversation key between a local
// private key and a remote x-only public key. nip44 expects a
// compressed (0x02-prefixed) public key, matching the padding the
// teacher repo applies in its own nip44 helper.
func conversationKey(privHex, xOnlyPubHex string) ([]byte, error) {
	privBytes, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, fmt.Errorf("could not decode private key: %w", err)
	}
	pubBytes, err := hex.DecodeString("02" + xOnlyPubHex)
	if err != nil {
		return nil, fmt.Errorf("could not decode public key: %w", err)
	}
	key, err := nip44.GenerateConversationKey(privBytes, pubBytes)
	if err != nil {
		return nil, fmt.Errorf("could not derive conversation key: %w", err)
	}
	return key, nil
}
