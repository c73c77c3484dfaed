package credential

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-bexpr"
	"github.com/sirupsen/logrus"
)

// ErrPolicyRejected is returned when a credential's attributes do not
// satisfy the trust context's policy expression.
var ErrPolicyRejected = errors.New("credential: rejected by trust context policy")

// ErrNoCredential is returned by Validate when the trust context requires a
// credential but none was presented.
var ErrNoCredential = errors.New("credential: required but not presented")

// ErrUnknownAuthority is returned when a credential's signature could not
// be verified under any authority key in the trust context.
var ErrUnknownAuthority = errors.New("credential: no configured authority verifies this credential")

// TrustContext names the authorities a channel accepts credentials from,
// the ABAC policy expression evaluated over a credential's attributes, and
// whether presenting a credential at all is mandatory.
type TrustContext struct {
	Authorities []ed25519.PublicKey
	Policy      string // go-bexpr boolean expression over Attributes
	Required    bool

	logger *logrus.Entry
}

// NewTrustContext builds a trust context. An empty policy string accepts
// any attribute set that verifies under a configured authority.
func NewTrustContext(authorities []ed25519.PublicKey, policy string, required bool) *TrustContext {
	return &TrustContext{
		Authorities: authorities,
		Policy:      policy,
		Required:    required,
		logger:      logrus.WithFields(logrus.Fields{"package": "credential", "component": "trust_context"}),
	}
}

// Validate is the validation entry point: it
// verifies the credential's signature against a configured authority, its
// validity window against now, and its attributes against the policy
// expression. A nil credential is only accepted when the trust context does
// not require one.
func (tc *TrustContext) Validate(cred *Credential, now time.Time) error {
	if cred == nil {
		if tc.Required {
			return ErrNoCredential
		}
		return nil
	}

	verified := false
	for _, authority := range tc.Authorities {
		if err := cred.VerifySignature(authority); err == nil {
			verified = true
			break
		}
	}
	if !verified {
		tc.logger.Warn("credential signature did not verify under any configured authority")
		return ErrUnknownAuthority
	}

	if err := cred.CheckValidity(now); err != nil {
		return err
	}

	if tc.Policy == "" {
		return nil
	}

	ok, err := tc.evaluatePolicy(cred.Attributes)
	if err != nil {
		return fmt.Errorf("credential: evaluate policy: %w", err)
	}
	if !ok {
		tc.logger.WithField("attributes", cred.Attributes).Warn("credential attributes rejected by policy")
		return ErrPolicyRejected
	}
	return nil
}

// evaluatePolicy runs the trust context's ABAC expression against a
// credential's attribute map using go-bexpr's reflection-based evaluator.
func (tc *TrustContext) evaluatePolicy(attributes map[string]string) (bool, error) {
	evaluator, err := bexpr.CreateEvaluator(tc.Policy)
	if err != nil {
		return false, fmt.Errorf("create evaluator: %w", err)
	}
	return evaluator.Evaluate(attributes)
}
