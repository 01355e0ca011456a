package fingerprint

import (
	"encoding/json"
	"fmt"
)

// fingerprinterOutput is the JSON shape every chromaprint-style fingerprint
// CLI is required to emit on PATH (spec.md §6 External tools required).
type fingerprinterOutput struct {
	Duration    float64 `json:"duration"`
	Fingerprint string  `json:"fingerprint"`
}

func parseFingerprinterJSON(raw string) (fingerprint string, duration float64, err error) {
	var out fingerprinterOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return "", 0, fmt.Errorf("fingerprint: parse fingerprinter output: %w", err)
	}
	if out.Fingerprint == "" {
		return "", 0, fmt.Errorf("fingerprint: fingerprinter output missing fingerprint field")
	}
	return out.Fingerprint, out.Duration, nil
}
