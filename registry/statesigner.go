package registry

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"

	commoncbor "github.com/datatrails/go-datatrails-common/cbor"
	commoncose "github.com/datatrails/go-datatrails-common/cose"
	"github.com/veraison/go-cose"
)

var (
	ErrCheckpointVerify = errors.New("the checkpoint signature verification failed")
)

// StateSigner produces a signed checkpoint over a registry state
// snapshot. A checkpoint commits the signer to the latest validated
// registry configuration; it should only be created after the state
// transition has been fully validated against its KEL anchor.
type StateSigner struct {
	issuer    string
	cborCodec commoncbor.CBORCodec
}

func NewStateSigner(issuer string, cborCodec commoncbor.CBORCodec) StateSigner {
	ss := StateSigner{
		issuer:    issuer,
		cborCodec: cborCodec,
	}
	return ss
}

// Sign1 signs the provided state as a COSE Sign1 message. The signing key
// is an external collaborator; only its public half is embedded, in the
// CWT claims of the protected header.
func (ss StateSigner) Sign1(
	coseSigner cose.Signer,
	keyIdentifier string,
	publicKey *ecdsa.PublicKey,
	subject string,
	state State, external []byte) ([]byte, error) {

	coseHeaders := cose.Headers{
		Protected: cose.ProtectedHeader{
			commoncose.HeaderLabelCWTClaims: commoncose.NewCNFClaim(
				ss.issuer, subject, keyIdentifier, coseSigner.Algorithm(), *publicKey),
		},
		Unprotected: cose.UnprotectedHeader{},
	}

	payload, err := ss.cborCodec.MarshalCBOR(state)
	if err != nil {
		return nil, err
	}

	msg := cose.Sign1Message{
		Headers: coseHeaders,
		Payload: payload,
	}
	err = msg.Sign(rand.Reader, external, coseSigner)
	if err != nil {
		return nil, err
	}

	encodable, err := commoncose.NewCoseSign1Message(&msg)
	if err != nil {
		return nil, err
	}
	return encodable.MarshalCBOR()
}

// VerifySignedState decodes a checkpoint, verifies its signature with the
// provided public key, and returns the attested state.
func VerifySignedState(
	encoded []byte, publicKey *ecdsa.PublicKey, external []byte,
	cborCodec commoncbor.CBORCodec) (State, error) {

	decoded, err := commoncose.NewCoseSign1MessageFromCBOR(encoded)
	if err != nil {
		return State{}, err
	}
	if err = decoded.VerifyWithPublicKey(publicKey, external); err != nil {
		return State{}, errors.Join(ErrCheckpointVerify, err)
	}
	var state State
	if err = cborCodec.UnmarshalCBOR(decoded.Payload, &state); err != nil {
		return State{}, err
	}
	return state, nil
}

// NewStateSignerCodec returns the codec compatible with Sign1 payloads.
func NewStateSignerCodec() (commoncbor.CBORCodec, error) {
	codec, err := commoncbor.NewCBORCodec(encOptions, decOptions)
	if err != nil {
		return commoncbor.CBORCodec{}, err
	}
	return codec, nil
}
