package callback

import (
	"context"
	"encoding/json"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/pkg/errors"
	"github.com/sigstore/cosign/v2/pkg/cosign"
	"github.com/sigstore/sigstore/pkg/signature"
)

// VerifyPubKeysRequest is the payload of a crypto/v1/verify call backed by
// one or more raw public keys: {image, pub_keys, annotations?}.
type VerifyPubKeysRequest struct {
	Image       string            `json:"image"`
	PubKeys     []string          `json:"pub_keys"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// VerifyKeylessRequest is the payload of a crypto/v1/verify call backed by
// Fulcio/Rekor keyless verification instead of a pinned public key.
type VerifyKeylessRequest struct {
	Image        string            `json:"image"`
	Issuer       string            `json:"issuer"`
	Subject      string            `json:"subject"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	TrustedRoots []string          `json:"trusted_roots,omitempty"`
}

// VerifyResponse is the shared reply shape: {is_trusted, digest}.
type VerifyResponse struct {
	IsTrusted bool   `json:"is_trusted"`
	Digest    string `json:"digest,omitempty"`
}

// VerifyCapability answers crypto/v1/verify, for both the key-based and
// keyless flavors, via cosign. Grounded on
// callback_handler/sigstore_verification.rs's Client::is_pub_key_trusted
// and callback_handler/sigstore.rs's Client::is_trusted.
type VerifyCapability struct {
	kind      Kind
	checkOpts *cosign.CheckOpts
}

// NewVerifyPubKeysCapability builds the public-key-based verification
// capability. checkOpts carries whatever registry/RootCerts/Rekor
// configuration the host was started with; SigVerifier is set per-request
// from the keys in VerifyPubKeysRequest.
func NewVerifyPubKeysCapability(checkOpts *cosign.CheckOpts) *VerifyCapability {
	return &VerifyCapability{kind: KindVerifyPubKeys, checkOpts: checkOpts}
}

// NewVerifyKeylessCapability builds the keyless (Fulcio/Rekor) verification
// capability.
func NewVerifyKeylessCapability(checkOpts *cosign.CheckOpts) *VerifyCapability {
	return &VerifyCapability{kind: KindVerifyKeyless, checkOpts: checkOpts}
}

func (c *VerifyCapability) Kind() Kind { return c.kind }

func (c *VerifyCapability) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	switch c.kind {
	case KindVerifyPubKeys:
		return c.handlePubKeys(ctx, payload)
	case KindVerifyKeyless:
		return c.handleKeyless(ctx, payload)
	default:
		return nil, errors.Errorf("unsupported verification capability kind: %s", c.kind)
	}
}

func (c *VerifyCapability) handlePubKeys(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req VerifyPubKeysRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.Wrap(err, "cannot decode public key verification request")
	}
	if len(req.PubKeys) == 0 {
		return nil, errors.New("must provide at least one public key")
	}

	ref, err := name.ParseReference(req.Image)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot parse image reference %q", req.Image)
	}

	for _, pem := range req.PubKeys {
		verifier, err := signature.LoadPublicKeyRaw([]byte(pem), nil)
		if err != nil {
			continue
		}

		opts := *c.checkOpts
		opts.SigVerifier = verifier
		opts.Annotations = req.Annotations

		if _, _, err := cosign.VerifyImageSignatures(ctx, ref, &opts); err == nil {
			return json.Marshal(VerifyResponse{IsTrusted: true, Digest: ref.Identifier()})
		}
	}

	return json.Marshal(VerifyResponse{IsTrusted: false})
}

func (c *VerifyCapability) handleKeyless(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req VerifyKeylessRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.Wrap(err, "cannot decode keyless verification request")
	}

	ref, err := name.ParseReference(req.Image)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot parse image reference %q", req.Image)
	}

	opts := *c.checkOpts
	opts.Identities = []cosign.Identity{{Issuer: req.Issuer, Subject: req.Subject}}
	opts.Annotations = req.Annotations

	_, _, err = cosign.VerifyImageSignatures(ctx, ref, &opts)
	if err != nil {
		return json.Marshal(VerifyResponse{IsTrusted: false})
	}

	return json.Marshal(VerifyResponse{IsTrusted: true, Digest: ref.Identifier()})
}
