package server

import (
	"context"
	"crypto/ecdsa"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureHeader carries the caller's EIP-191 signature over the command
// payload built from the raw HTTP body.
const SignatureHeader = "X-Signature"

// signatureMetadataKey carries the signature over the command payload built
// from the JSON request on gRPC.
const signatureMetadataKey = "x-signature"

// signingDomain prefixes every command payload.
const signingDomain = "custodyledger.v1/"

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrBadSignature     = errors.New("bad request signature")
	ErrNoCaller         = errors.New("no authenticated caller")
)

type callerKey struct{}

// SignPayload returns the 0x-hex personal_sign signature of payload, with
// the recovery id in Ethereum's 27/28 form.
func SignPayload(key *ecdsa.PrivateKey, payload []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(payload), key)
	if err != nil {
		return "", errors.Wrap(err, "sign payload")
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// CommandPayload is what a caller signs to invoke method with body: the
// signing domain, the method name, a newline, then the JSON body. A
// signature is therefore only valid for the method it was made for.
func CommandPayload(method string, body []byte) []byte {
	p := make([]byte, 0, len(signingDomain)+len(method)+1+len(body))
	p = append(p, signingDomain...)
	p = append(p, method...)
	p = append(p, '\n')
	return append(p, body...)
}

// SignCommand signs the command payload of method and body.
func SignCommand(key *ecdsa.PrivateKey, method string, body []byte) (string, error) {
	return SignPayload(key, CommandPayload(method, body))
}

// RecoverCommandSigner returns the address that signed method with body.
func RecoverCommandSigner(method string, body []byte, sigHex string) (common.Address, error) {
	return RecoverSigner(CommandPayload(method, body), sigHex)
}

// RecoverSigner returns the address whose key produced sigHex over payload.
// Both 0/1 and 27/28 recovery ids are accepted.
func RecoverSigner(payload []byte, sigHex string) (common.Address, error) {
	if sigHex == "" {
		return common.Address{}, ErrMissingSignature
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, errors.Wrapf(ErrBadSignature, "decode: %v", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.Wrapf(ErrBadSignature, "length %d", len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(payload), sig)
	if err != nil {
		return common.Address{}, errors.Wrapf(ErrBadSignature, "recover: %v", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func withCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the authenticated caller attached by the transport.
func CallerFromContext(ctx context.Context) (common.Address, bool) {
	caller, ok := ctx.Value(callerKey{}).(common.Address)
	return caller, ok
}

func requireCaller(ctx context.Context) (common.Address, error) {
	caller, ok := CallerFromContext(ctx)
	if !ok {
		return common.Address{}, ErrNoCaller
	}
	return caller, nil
}
