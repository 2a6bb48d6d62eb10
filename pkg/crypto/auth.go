package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"

	"github.com/busybox42/aegis-overlay/pkg/protocol"
	"github.com/busybox42/aegis-overlay/pkg/types"
)

const putDomain = "overlay-put-v1"

// putDigest binds a signature to one key and one owner.
func putDigest(key types.Key, owner string) []byte {
	h := sha256.New()
	h.Write([]byte(putDomain))
	h.Write(key[:])
	h.Write([]byte(owner))
	return h.Sum(nil)
}

// SignPut builds the auth metadata of a Put: the owner name, the signer's
// public key as sharing key and a signature over the key hash.
func (kp *KeyPair) SignPut(key types.Key, owner string) protocol.Auth {
	return protocol.Auth{
		Owner:      owner,
		SharingKey: bytes.Clone(kp.PublicKey),
		Signature:  ed25519.Sign(kp.PrivateKey, putDigest(key, owner)),
	}
}

// VerifyPut checks auth against key. Metadata without a well-formed
// sharing key or signature never verifies.
func VerifyPut(key types.Key, auth protocol.Auth) bool {
	if len(auth.SharingKey) != ed25519.PublicKeySize || len(auth.Signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(auth.SharingKey, putDigest(key, auth.Owner), auth.Signature)
}
