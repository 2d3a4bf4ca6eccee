package validators

// SourceType identifies how a submitted URL will be acquired
type SourceType string

const (
	SourceDirect  SourceType = "direct"
	SourceTorrent SourceType = "torrent"
	SourceMagnet  SourceType = "magnet"
	SourceUnknown SourceType = "unknown"
)

// ValidationResult contains the result of URL validation
type ValidationResult struct {
	Valid      bool       `json:"valid"`
	SourceType SourceType `json:"source_type"`
	URL        string     `json:"url"`
	Host       string     `json:"host,omitempty"`
	// InfoHash is set for magnet links
	InfoHash string `json:"info_hash,omitempty"`
	Name     string `json:"name,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Validator defines the interface for URL validators
type Validator interface {
	// SourceType returns the source type this validator handles
	SourceType() SourceType

	// CanHandle returns true if this validator can handle the given URL
	CanHandle(url string) bool

	// Validate validates the URL and extracts relevant information
	Validate(url string) ValidationResult
}
