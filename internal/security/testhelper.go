package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"time"
)

// Issuer and audience of tokens minted by NewTestPair.
const (
	TestIssuer   = "test-issuer"
	TestAudience = "test-audience"
)

// testKeyPair generates one RSA key per test binary and returns it PEM-encoded
// (PKCS#8 private, PKIX public), the forms an operator puts in JWT_PRIVATE_KEY and JWT_PUBLIC_KEY.
var testKeyPair = sync.OnceValues(func() (string, string) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic("security: generate test key: " + err.Error())
	}
	priv, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		panic("security: marshal test key: " + err.Error())
	}
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		panic("security: marshal test public key: " + err.Error())
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: priv})),
		string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub}))
})

// TestKeyPEM returns the PEM private and public key behind NewTestPair. Tests only.
func TestKeyPEM() (privatePEM, publicPEM string) {
	return testKeyPair()
}

// NewTestPair returns an RS256 issuer and the verifier that accepts its tokens. Tests only.
func NewTestPair() (*Issuer, *Verifier, error) {
	privPEM, pubPEM := testKeyPair()
	signer, err := ParsePrivateKey(privPEM)
	if err != nil {
		return nil, nil, err
	}
	pub, err := ParsePublicKey(pubPEM)
	if err != nil {
		return nil, nil, err
	}
	iss, err := NewIssuer(signer, TestIssuer, TestAudience, 15*time.Minute)
	if err != nil {
		return nil, nil, err
	}
	v, err := NewVerifier(pub, TestIssuer, TestAudience)
	if err != nil {
		return nil, nil, err
	}
	return iss, v, nil
}
