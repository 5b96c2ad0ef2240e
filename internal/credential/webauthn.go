package credential

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncbor"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
)

var (
	errMalformed      = errors.New("malformed")
	errChallengeValue = errors.New("client_data_challenge_mismatch")
	errPublicKey      = errors.New("invalid_public_key")
)

// decodeBase64 accepts the url and standard alphabets, padded or not.
func decodeBase64(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding, base64.URLEncoding, base64.StdEncoding, base64.RawStdEncoding,
	} {
		if decoded, err := enc.DecodeString(value); err == nil {
			return decoded, nil
		}
	}
	return nil, errMalformed
}

// canonicalChallenge re-encodes an echoed challenge in the issued form so it
// can be looked up by value.
func canonicalChallenge(value string) (string, error) {
	raw, err := decodeBase64(value)
	if err != nil || len(raw) == 0 {
		return "", errChallengeValue
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func rpIDHash(rpID string) []byte {
	sum := sha256.Sum256([]byte(rpID))
	return sum[:]
}

// assertionBody is the browser's PublicKeyCredential JSON for an assertion.
type assertionBody struct {
	ID       string            `json:"id"`
	RawID    string            `json:"rawId"`
	Type     string            `json:"type"`
	Response assertionResponse `json:"response"`
}

type assertionResponse struct {
	ClientDataJSON    string `json:"clientDataJSON"`
	AuthenticatorData string `json:"authenticatorData"`
	Signature         string `json:"signature"`
}

// parseAssertion decodes the loosely encoded fields of a and hands them to
// the WebAuthn parser in the canonical wire form.
func parseAssertion(a Assertion) (*protocol.ParsedCredentialAssertionData, error) {
	id := strings.TrimSpace(a.CredentialID)
	clientData, err1 := decodeBase64(a.ClientDataJSON)
	authData, err2 := decodeBase64(a.AuthenticatorData)
	signature, err3 := decodeBase64(a.Signature)
	if id == "" || err1 != nil || err2 != nil || err3 != nil {
		return nil, errMalformed
	}
	rawID := base64.RawURLEncoding.EncodeToString([]byte(id))
	body, err := json.Marshal(assertionBody{
		ID:    rawID,
		RawID: rawID,
		Type:  "public-key",
		Response: assertionResponse{
			ClientDataJSON:    base64.RawURLEncoding.EncodeToString(clientData),
			AuthenticatorData: base64.RawURLEncoding.EncodeToString(authData),
			Signature:         base64.RawURLEncoding.EncodeToString(signature),
		},
	})
	if err != nil {
		return nil, err
	}
	return protocol.ParseCredentialRequestResponseBody(bytes.NewReader(body))
}

func parseClientData(raw []byte) (protocol.CollectedClientData, error) {
	var cd protocol.CollectedClientData
	if err := json.Unmarshal(raw, &cd); err != nil {
		return protocol.CollectedClientData{}, errMalformed
	}
	return cd, nil
}

func parseAuthenticatorData(raw []byte) (protocol.AuthenticatorData, error) {
	var ad protocol.AuthenticatorData
	if err := ad.Unmarshal(raw); err != nil {
		return protocol.AuthenticatorData{}, err
	}
	return ad, nil
}

func parseECDSAPublicKey(pemValue string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemValue))
	if block == nil {
		return nil, errPublicKey
	}
	return parseSPKI(block.Bytes)
}

func parseSPKI(der []byte) (*ecdsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, errPublicKey
	}
	publicKey, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errPublicKey
	}
	if publicKey.Curve == nil || publicKey.Curve.Params().Name != elliptic.P256().Params().Name {
		return nil, errPublicKey
	}
	return publicKey, nil
}

// coseKey converts a stored PEM key to the COSE_Key form the assertion
// verifier expects.
func coseKey(pemValue string) ([]byte, error) {
	publicKey, err := parseECDSAPublicKey(pemValue)
	if err != nil {
		return nil, err
	}
	return webauthncbor.Marshal(webauthncose.EC2PublicKeyData{
		PublicKeyData: webauthncose.PublicKeyData{
			KeyType:   int64(webauthncose.EllipticKey),
			Algorithm: int64(webauthncose.AlgES256),
		},
		Curve:  int64(webauthncose.P256),
		XCoord: publicKey.X.FillBytes(make([]byte, 32)),
		YCoord: publicKey.Y.FillBytes(make([]byte, 32)),
	})
}

// attestedPublicKey turns an attested ES256 COSE key into PEM.
func attestedPublicKey(cose []byte) (string, error) {
	parsed, err := webauthncose.ParsePublicKey(cose)
	if err != nil {
		return "", errPublicKey
	}
	ec2, ok := parsed.(webauthncose.EC2PublicKeyData)
	if !ok || ec2.Algorithm != int64(webauthncose.AlgES256) || ec2.Curve != int64(webauthncose.P256) {
		return "", errPublicKey
	}
	if len(ec2.XCoord) != 32 || len(ec2.YCoord) != 32 {
		return "", errPublicKey
	}
	point := append(append([]byte{0x04}, ec2.XCoord...), ec2.YCoord...)
	key, err := ecdh.P256().NewPublicKey(point)
	if err != nil {
		return "", errPublicKey
	}
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", errPublicKey
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// normalizePublicKey accepts a PEM block or base64 SPKI DER and returns PEM.
func normalizePublicKey(value string) (string, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "-----BEGIN") {
		if _, err := parseECDSAPublicKey(value); err != nil {
			return "", err
		}
		return value, nil
	}
	der, err := decodeBase64(value)
	if err != nil {
		return "", errPublicKey
	}
	if _, err := parseSPKI(der); err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
