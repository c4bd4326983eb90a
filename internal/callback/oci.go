package callback

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	orascnt "oras.land/oras-go/pkg/content"
	"oras.land/oras-go/pkg/oras"
)

// OCIDigestRequest is the payload of a kubewarden/oci/v1/manifest_digest
// call: {image}.
type OCIDigestRequest struct {
	Image string `json:"image"`
}

// OCIDigestResponse is its reply: {digest}.
type OCIDigestResponse struct {
	Digest string `json:"digest"`
}

// OCICapability answers kubewarden/oci/v1/manifest_digest by resolving an
// image reference's manifest digest through an OCI registry, using the
// same oras.land/oras-go Copy-into-a-throwaway-store pattern a policy
// downloader uses to pull policy artifacts.
type OCICapability struct {
	registry *orascnt.Registry
}

// NewOCICapability builds an OCICapability against registry, typically the
// same *orascnt.Registry the policy store downloader authenticates.
func NewOCICapability(registry *orascnt.Registry) *OCICapability {
	return &OCICapability{registry: registry}
}

func (c *OCICapability) Kind() Kind { return KindOCIManifestDigest }

func (c *OCICapability) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req OCIDigestRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.Wrap(err, "cannot decode manifest digest request")
	}
	if req.Image == "" {
		return nil, errors.New("manifest digest request is missing an image reference")
	}

	store := orascnt.NewMemory()
	desc, err := oras.Copy(ctx, c.registry, req.Image, store, "")
	if err != nil {
		return nil, errors.Wrapf(err, "cannot resolve manifest for %q", req.Image)
	}

	resp := OCIDigestResponse{Digest: desc.Digest.String()}
	return json.Marshal(resp)
}
