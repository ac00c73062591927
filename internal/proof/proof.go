// Package proof is the pluggable attestation boundary. The settlement engine
// only consumes the boolean verdict; whether the proof is a ZK circuit, an
// MPC transcript, or a signature is the verifier implementation's business.
package proof

// Verifier checks an opaque proof against an opaque context.
type Verifier interface {
	Verify(proof []byte, context []byte) bool
}

// MinProofSize is the structural floor enforced by LengthVerifier.
const MinProofSize = 32

// LengthVerifier accepts any proof of plausible size. It stands in until a
// real circuit verifier is wired behind the Verifier interface.
type LengthVerifier struct{}

func (LengthVerifier) Verify(proof []byte, _ []byte) bool {
	return len(proof) >= MinProofSize
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(proof []byte, context []byte) bool

func (f VerifierFunc) Verify(proof []byte, context []byte) bool {
	return f(proof, context)
}
