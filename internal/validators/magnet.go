package validators

import (
	"strings"

	"github.com/anacrolix/torrent/metainfo"
)

// MagnetValidator validates magnet URIs and extracts the info hash
type MagnetValidator struct{}

func NewMagnetValidator() *MagnetValidator {
	return &MagnetValidator{}
}

func (v *MagnetValidator) SourceType() SourceType {
	return SourceMagnet
}

func (v *MagnetValidator) CanHandle(rawURL string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(rawURL)), "magnet:")
}

func (v *MagnetValidator) Validate(rawURL string) ValidationResult {
	result := ValidationResult{SourceType: SourceMagnet, URL: rawURL}

	m, err := metainfo.ParseMagnetUri(strings.TrimSpace(rawURL))
	if err != nil {
		result.Error = "invalid magnet link: " + err.Error()
		return result
	}

	result.Valid = true
	result.InfoHash = m.InfoHash.HexString()
	result.Name = m.DisplayName
	return result
}
