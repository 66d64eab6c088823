package masking

// Masker is the interface for code-based maskers that need structural
// awareness beyond regex pattern matching. Code-based maskers can parse
// serialized payloads and mask by field name at any depth, which a single
// regex sweep cannot do reliably.
type Masker interface {
	// Name returns the unique identifier for this masker, as referenced
	// from pattern groups.
	Name() string

	// AppliesTo performs a lightweight check on whether this masker
	// should process the text. Should be fast (string contains, not parsing).
	AppliesTo(text string) bool

	// Mask applies masking logic and returns the masked result.
	// Must be defensive: return original text on parse/processing errors.
	Mask(text string) string
}
