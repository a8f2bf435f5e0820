// Package crypto defines the encryption collaborator interfaces the
// teacher's partition consumer depends on (crypto.KeyReader,
// crypto.MessageCrypto, crypto.ConsumerCryptoFailureAction). Concrete
// AES/ECDSA execution is out of scope here, the same boundary spec.md
// draws around TLS and broker discovery (SPEC_FULL supplemented
// feature #5) -- this package only gives EncryptionContext propagation
// somewhere to plug a real implementation in later.
package crypto

import "github.com/brokerstream/pulsar-consumer-core/pulsar/internal/wireproto"

// EncryptionKeyInfo is one named key plus its metadata, as carried on
// the wire in MessageMetadata.EncryptionKeys.
type EncryptionKeyInfo struct {
	Key      string
	Value    []byte
	Metadata map[string]string
}

// KeyReader resolves the private key material a MessageCrypto
// implementation needs to decrypt a message, given the key name and
// metadata the producer attached.
type KeyReader interface {
	GetPrivateKey(keyName string, metadata map[string]string) (*EncryptionKeyInfo, error)
	GetPublicKey(keyName string, metadata map[string]string) (*EncryptionKeyInfo, error)
}

// MessageCrypto performs the actual decrypt (and, symmetrically,
// encrypt) operation once a KeyReader is available.
type MessageCrypto interface {
	Decrypt(meta *wireproto.MessageMetadata, payload []byte, reader KeyReader) ([]byte, error)
	Encrypt(keyNames []string, reader KeyReader, meta *wireproto.MessageMetadata, payload []byte) ([]byte, error)
}

// ConsumerCryptoFailureAction controls what a consumer does with a
// message it cannot decrypt (no KeyReader configured, or Decrypt
// failed). Named to match the teacher's crypto.Consume/Discard/
// FailConsume constants.
type ConsumerCryptoFailureAction int

const (
	// Consume delivers the message with its payload left as ciphertext,
	// alongside the EncryptionContext the application needs to decrypt
	// it itself. Batched messages cannot be consumed this way since the
	// batch layout is itself encrypted.
	Consume ConsumerCryptoFailureAction = iota
	// Discard acks and drops the message without surfacing it to the
	// application.
	Discard
	// FailConsume fails message delivery entirely; the receive path
	// surfaces a discard without acking.
	FailConsume
)
