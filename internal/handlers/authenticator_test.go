package handlers

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

const (
	flagUserPresent  = 0x01
	flagAttestedData = 0x40
)

// fakeAuthenticator is a minimal software authenticator for exercising
// ceremonies end to end. It produces "none"-format attestations and signs
// assertions with an in-memory P-256 key.
type fakeAuthenticator struct {
	key       *ecdsa.PrivateKey
	credID    []byte
	signCount uint32
}

func newFakeAuthenticator(t *testing.T) *fakeAuthenticator {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed generating authenticator key: %v", err)
	}

	credID := make([]byte, 32)
	if _, err := rand.Read(credID); err != nil {
		t.Fatalf("failed generating credential id: %v", err)
	}

	return &fakeAuthenticator{key: key, credID: credID}
}

func (a *fakeAuthenticator) credentialIDBase64() string {
	return base64.RawURLEncoding.EncodeToString(a.credID)
}

// coseKey encodes the public key as a COSE EC2 key (kty EC2, alg ES256,
// crv P-256).
func (a *fakeAuthenticator) coseKey(t *testing.T) []byte {
	t.Helper()

	encoded, err := cbor.Marshal(map[int]any{
		1:  2,
		3:  -7,
		-1: 1,
		-2: a.key.PublicKey.X.FillBytes(make([]byte, 32)),
		-3: a.key.PublicKey.Y.FillBytes(make([]byte, 32)),
	})
	if err != nil {
		t.Fatalf("failed encoding COSE key: %v", err)
	}
	return encoded
}

func (a *fakeAuthenticator) attestationResponse(t *testing.T, challenge string) map[string]any {
	return a.attestationResponseFor(t, challenge, testRPOrigin, testRPID)
}

func (a *fakeAuthenticator) attestationResponseFor(t *testing.T, challenge, origin, rpID string) map[string]any {
	t.Helper()

	clientData, err := json.Marshal(map[string]string{
		"type":      "webauthn.create",
		"challenge": challenge,
		"origin":    origin,
	})
	if err != nil {
		t.Fatalf("failed encoding client data: %v", err)
	}

	rpIDHash := sha256.Sum256([]byte(rpID))

	var authData bytes.Buffer
	authData.Write(rpIDHash[:])
	authData.WriteByte(flagUserPresent | flagAttestedData)
	binary.Write(&authData, binary.BigEndian, a.signCount)
	authData.Write(make([]byte, 16))
	binary.Write(&authData, binary.BigEndian, uint16(len(a.credID)))
	authData.Write(a.credID)
	authData.Write(a.coseKey(t))

	attestationObject, err := cbor.Marshal(map[string]any{
		"fmt":      "none",
		"attStmt":  map[string]any{},
		"authData": authData.Bytes(),
	})
	if err != nil {
		t.Fatalf("failed encoding attestation object: %v", err)
	}

	return map[string]any{
		"id":    a.credentialIDBase64(),
		"rawId": a.credentialIDBase64(),
		"type":  "public-key",
		"response": map[string]any{
			"attestationObject": base64.RawURLEncoding.EncodeToString(attestationObject),
			"clientDataJSON":    base64.RawURLEncoding.EncodeToString(clientData),
		},
	}
}

// assertionResponse bumps the signature counter the way a real device does.
func (a *fakeAuthenticator) assertionResponse(t *testing.T, challenge string) map[string]any {
	a.signCount++
	return a.assertionResponseFor(t, challenge, testRPOrigin, testRPID, a.signCount)
}

func (a *fakeAuthenticator) assertionResponseFor(t *testing.T, challenge, origin, rpID string, signCount uint32) map[string]any {
	t.Helper()

	clientData, err := json.Marshal(map[string]string{
		"type":      "webauthn.get",
		"challenge": challenge,
		"origin":    origin,
	})
	if err != nil {
		t.Fatalf("failed encoding client data: %v", err)
	}

	rpIDHash := sha256.Sum256([]byte(rpID))

	var authData bytes.Buffer
	authData.Write(rpIDHash[:])
	authData.WriteByte(flagUserPresent)
	binary.Write(&authData, binary.BigEndian, signCount)

	clientDataHash := sha256.Sum256(clientData)
	digest := sha256.Sum256(append(authData.Bytes(), clientDataHash[:]...))
	signature, err := ecdsa.SignASN1(rand.Reader, a.key, digest[:])
	if err != nil {
		t.Fatalf("failed signing assertion: %v", err)
	}

	return map[string]any{
		"id":    a.credentialIDBase64(),
		"rawId": a.credentialIDBase64(),
		"type":  "public-key",
		"response": map[string]any{
			"authenticatorData": base64.RawURLEncoding.EncodeToString(authData.Bytes()),
			"clientDataJSON":    base64.RawURLEncoding.EncodeToString(clientData),
			"signature":         base64.RawURLEncoding.EncodeToString(signature),
		},
	}
}
