// Package upstream implements the outbound side of the gateway: the HTTP
// client for the generative-language provider, request payload construction,
// and dynamic model resolution against the provider's catalog.
//
// The client deliberately speaks raw HTTP instead of going through the typed
// SDK client: the gateway's contract is byte-for-byte pass-through of
// upstream payloads (raw catalog JSON, raw generation responses, verbatim
// event-stream lines), which a deserializing client cannot provide. The SDK
// is still the source of the request wire types (contents/parts).
package upstream

import (
	"time"
)

// API versions exposed by the provider. The text path uses V1; streaming and
// the multimodal path use V1Beta, mirroring what each endpoint supports.
const (
	VersionV1     = "v1"
	VersionV1Beta = "v1beta"
)

// CapabilityGenerateContent is the generation method the resolver looks for
// in a model descriptor's supported-methods set.
const CapabilityGenerateContent = "generateContent"

// DefaultBaseURL is the provider host without an API version segment.
const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// DefaultTimeout bounds unary upstream calls.
const DefaultTimeout = 30 * time.Second

// ModelDescriptor is one entry of the upstream model catalog. Only the
// fields the resolver needs are decoded; the raw catalog body is preserved
// separately for pass-through.
type ModelDescriptor struct {
	Name                       string   `json:"name"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
}

// Supports reports whether the descriptor lists the given generation method.
func (m ModelDescriptor) Supports(capability string) bool {
	for _, c := range m.SupportedGenerationMethods {
		if c == capability {
			return true
		}
	}
	return false
}

type modelCatalog struct {
	Models []ModelDescriptor `json:"models"`
}
