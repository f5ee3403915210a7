// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// ShortHashLen is the length, in hex characters, of a recorded spec hash.
const ShortHashLen = 12

// SpecHash returns the content-addressed identifier for a ProtocolSpec: the
// SHA-256 of its JSON-canonical serialisation, truncated to the first 12 hex
// characters (I3). encoding/json already emits object keys in a fixed,
// field-declaration order for structs, and sorts map keys, so repeated calls
// on an equal spec always produce the same bytes.
func SpecHash(spec *ProtocolSpec) (string, error) {
	canonical, err := json.Marshal(spec)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:ShortHashLen], nil
}

// SpecHashFromMap hashes the protocol_spec as stored in a ProtocolRun's
// opaque TemplateConfig, decoding it first.
func SpecHashFromMap(templateConfig JSONMap) (string, error) {
	spec, err := DecodeProtocolSpec(templateConfig)
	if err != nil {
		return "", err
	}
	return SpecHash(spec)
}

// DecodeProtocolSpec extracts and decodes the "protocol_spec" key from a
// ProtocolRun's opaque TemplateConfig.
func DecodeProtocolSpec(templateConfig JSONMap) (*ProtocolSpec, error) {
	raw, ok := templateConfig["protocol_spec"]
	if !ok || raw == nil {
		return &ProtocolSpec{}, nil
	}
	// raw came in through JSON already (map[string]any); round-trip it
	// through the standard encoder/decoder into the typed struct.
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var spec ProtocolSpec
	if err := json.Unmarshal(buf, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// EncodeProtocolSpec stores a ProtocolSpec back into a TemplateConfig map
// under the well-known key.
func EncodeProtocolSpec(spec *ProtocolSpec) (JSONMap, error) {
	buf, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}
	var asMap map[string]any
	if err := json.Unmarshal(buf, &asMap); err != nil {
		return nil, err
	}
	return JSONMap{"protocol_spec": asMap}, nil
}
