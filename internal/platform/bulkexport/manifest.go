package bulkexport

import (
	"fmt"

	"github.com/goccy/go-json"
)

// ManifestParseError reports a completion manifest that is not valid JSON.
type ManifestParseError struct {
	Err error
}

func (e *ManifestParseError) Error() string {
	return fmt.Sprintf("parse export manifest: %v", e.Err)
}

func (e *ManifestParseError) Unwrap() error { return e.Err }

// OutputFile is one (resource type, download URL) entry of a manifest.
type OutputFile struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Count int    `json:"count,omitempty"`
}

// Manifest is the body returned by the status endpoint once an export has
// completed.
type Manifest struct {
	TransactionTime     string       `json:"transactionTime,omitempty"`
	Request             string       `json:"request,omitempty"`
	RequiresAccessToken bool         `json:"requiresAccessToken"`
	Output              []OutputFile `json:"output"`
	Error               []OutputFile `json:"error,omitempty"`
}

// ParseManifest decodes a completion manifest. Only invalid JSON is an
// error: a document without an "output" array yields an empty manifest, and
// output entries that are not {type, url} objects are skipped.
func ParseManifest(body []byte) (*Manifest, error) {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &ManifestParseError{Err: err}
	}

	m := &Manifest{Output: []OutputFile{}}

	var root map[string]json.RawMessage
	if err := json.Unmarshal(body, &root); err != nil {
		// Valid JSON that is not an object carries no output.
		return m, nil
	}

	if raw, ok := root["transactionTime"]; ok {
		_ = json.Unmarshal(raw, &m.TransactionTime)
	}
	if raw, ok := root["request"]; ok {
		_ = json.Unmarshal(raw, &m.Request)
	}
	if raw, ok := root["requiresAccessToken"]; ok {
		_ = json.Unmarshal(raw, &m.RequiresAccessToken)
	}
	m.Output = decodeEntries(root["output"])
	m.Error = decodeEntries(root["error"])
	return m, nil
}

func decodeEntries(raw json.RawMessage) []OutputFile {
	out := []OutputFile{}
	if len(raw) == 0 {
		return out
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return out
	}
	for _, item := range items {
		var f OutputFile
		if err := json.Unmarshal(item, &f); err != nil {
			continue
		}
		if f.Type == "" || f.URL == "" {
			continue
		}
		out = append(out, f)
	}
	return out
}

// URLsOfType returns the download URLs whose type equals resourceType, in
// manifest order.
func (m *Manifest) URLsOfType(resourceType string) []string {
	urls := []string{}
	for _, f := range m.Output {
		if f.Type == resourceType {
			urls = append(urls, f.URL)
		}
	}
	return urls
}

// EncounterURLs parses body and returns the Encounter download URLs.
func EncounterURLs(body []byte) ([]string, error) {
	m, err := ParseManifest(body)
	if err != nil {
		return nil, err
	}
	return m.URLsOfType("Encounter"), nil
}
