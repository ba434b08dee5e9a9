package keycustody

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
)

// KeyPair is a freshly generated asymmetric pair in the wire representation
// clients expect: base64-encoded SPKI DER for the public half and PKCS#8 DER
// for the private half, both importable by browser WebCrypto.
type KeyPair struct {
	PublicKey  string
	PrivateKey string
}

// GenerateKeyPair produces a new P-256 key pair. Pure generation, no side
// effects.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		PublicKey:  base64.StdEncoding.EncodeToString(pubDER),
		PrivateKey: base64.StdEncoding.EncodeToString(privDER),
	}, nil
}
