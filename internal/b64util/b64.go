// Package b64util decodes the base64 bodies of RRDP <publish> elements.
// RRDP publishers routinely wrap the base64 payload across many lines,
// so the decoder strips anything outside the base64 alphabet before
// handing the data to the standard decoder.
package b64util

import "encoding/base64"

// Decode strips every byte outside [A-Za-z0-9+/=] from raw, then base64
// decodes what remains. An empty result after stripping decodes to an
// empty, non-nil byte slice (callers distinguish "no body" from "body
// failed to decode" by checking the error instead of the length).
func Decode(raw []byte) ([]byte, error) {
	clean := make([]byte, 0, len(raw))
	for _, c := range raw {
		if isAlphabet(c) {
			clean = append(clean, c)
		}
	}
	if len(clean) == 0 {
		return []byte{}, nil
	}
	out := make([]byte, base64.StdEncoding.DecodedLen(len(clean)))
	n, err := base64.StdEncoding.Decode(out, clean)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

func isAlphabet(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '+' || c == '/' || c == '=':
		return true
	default:
		return false
	}
}

// IsIgnorableChunk reports whether a character-data chunk handed to a
// <publish> handler is the sole-newline optimization described in
// spec.md's scope automata section: a standalone "\n" chunk between
// base64 lines that carries no data and can be skipped without
// buffering it into the accumulated body.
func IsIgnorableChunk(chunk []byte) bool {
	return len(chunk) == 1 && chunk[0] == '\n'
}
