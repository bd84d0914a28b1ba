package fhir

import (
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
)

// Resource type names handled by the bulk export pipeline.
const (
	ResourceTypeEncounter = "Encounter"
	ResourceTypePatient   = "Patient"
)

// ErrUnsupportedResource is returned when no decoder is registered for a
// resource type.
var ErrUnsupportedResource = errors.New("unsupported resource type")

// Decoder turns one JSON document into a typed resource.
type Decoder func(data []byte) (interface{}, error)

var (
	decodersMu sync.RWMutex
	decoders   = map[string]Decoder{
		ResourceTypeEncounter: decodeEncounter,
		ResourceTypePatient:   decodePatient,
	}
)

// RegisterDecoder installs d for resourceType, replacing any existing entry.
func RegisterDecoder(resourceType string, d Decoder) {
	decodersMu.Lock()
	defer decodersMu.Unlock()
	decoders[resourceType] = d
}

// DecodeResource decodes data using the decoder registered for resourceType.
func DecodeResource(resourceType string, data []byte) (interface{}, error) {
	decodersMu.RLock()
	d, ok := decoders[resourceType]
	decodersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedResource, resourceType)
	}
	return d(data)
}

// DecodeEncounter decodes a single Encounter resource.
func DecodeEncounter(data []byte) (*Encounter, error) {
	v, err := decodeEncounter(data)
	if err != nil {
		return nil, err
	}
	return v.(*Encounter), nil
}

// DecodePatient decodes a single Patient resource.
func DecodePatient(data []byte) (*Patient, error) {
	v, err := decodePatient(data)
	if err != nil {
		return nil, err
	}
	return v.(*Patient), nil
}

func decodeEncounter(data []byte) (interface{}, error) {
	var enc Encounter
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("decode Encounter: %w", err)
	}
	if err := checkResourceType(enc.ResourceType, ResourceTypeEncounter); err != nil {
		return nil, err
	}
	return &enc, nil
}

func decodePatient(data []byte) (interface{}, error) {
	var p Patient
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode Patient: %w", err)
	}
	if err := checkResourceType(p.ResourceType, ResourceTypePatient); err != nil {
		return nil, err
	}
	return &p, nil
}

// checkResourceType rejects documents that declare a different resourceType.
// A missing resourceType is tolerated.
func checkResourceType(got, want string) error {
	if got != "" && got != want {
		return fmt.Errorf("expected resourceType %s, got %s", want, got)
	}
	return nil
}
