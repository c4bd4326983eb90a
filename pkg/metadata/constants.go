package metadata

// Names of the well-known annotations carried inside of the
// io.kubewarden.metadata custom Wasm section.
const (
	CustomSectionName = "io.kubewarden.metadata"

	AnnotationPolicyTitle       = "io.kubewarden.policy.title"
	AnnotationPolicyDescription = "io.kubewarden.policy.description"
	AnnotationPolicyAuthor      = "io.kubewarden.policy.author"
	AnnotationPolicyURL         = "io.kubewarden.policy.url"
	AnnotationPolicySource      = "io.kubewarden.policy.source"
	AnnotationPolicyLicense     = "io.kubewarden.policy.license"
	AnnotationPolicyUsage       = "io.kubewarden.policy.usage"
	AnnotationMinKwctlVersion   = "io.kubewarden.policy.minimum-kubewarden-version"
)
