// Package ids generates and validates the identifier formats the dispatch
// engine uses on the wire: 22-char URL-safe-base64 128-bit slugs for
// taskId/taskGroupId (with two forced version bits), and the generic
// provisionerId/workerType/workerGroup/workerId/schedulerId pattern.
package ids

import (
	"crypto/rand"
	"encoding/base64"
	"regexp"
)

// genericPattern matches provisionerId, workerType, workerGroup, workerId,
// and schedulerId.
var genericPattern = regexp.MustCompile(`^[a-zA-Z0-9-_]{1,38}$`)

// slugPattern matches the exact shape of a generated taskId/taskGroupId:
// URL-safe base64 of a 128-bit value with two version bits forced, always
// 22 characters.
var slugPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8}[Q-T][A-Za-z0-9_-][CGKOSWaeimquy26-][A-Za-z0-9_-]{10}[AQgw]$`)

// artifactNamePattern matches printable ASCII.
var artifactNamePattern = regexp.MustCompile(`^[\x20-\x7e]+$`)

// ValidGeneric reports whether s is a valid provisionerId/workerType/
// workerGroup/workerId/schedulerId.
func ValidGeneric(s string) bool {
	return genericPattern.MatchString(s)
}

// ValidSlug reports whether s is a well-formed taskId/taskGroupId.
func ValidSlug(s string) bool {
	return len(s) == 22 && slugPattern.MatchString(s)
}

// ValidArtifactName reports whether s is a valid artifact name.
func ValidArtifactName(s string) bool {
	return artifactNamePattern.MatchString(s)
}

// NewSlug generates a fresh taskId/taskGroupId: 128 random bits, encoded as
// URL-safe base64 without padding, with the version bits forced so the
// result always satisfies ValidSlug.
//
// The version bits live in byte 6's top nibble (carried by encoded
// character 8, forced into [Q-T]) and byte 8's top two bits (the low two
// bits of encoded character 10), mirroring the slug grammar in §6. We force them directly on the encoded alphabet rather than
// the raw bits, which is simpler and exactly as uniform for this purpose.
func NewSlug() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding.EncodeToString(buf)
	// enc is 22 chars for 16 bytes. Force position 8 into [Q-T] and
	// position 10 into one of the allowed version-bit characters, and the
	// final character into [AQgw] (the only values the last character of
	// base64 for 128 bits can take, since its low 4 bits are always 0).
	runes := []rune(enc)
	versionCol1 := []rune{'Q', 'R', 'S', 'T'}
	versionCol2 := []rune{'C', 'G', 'K', 'O', 'S', 'W', 'a', 'e', 'i', 'm', 'q', 'u', 'y', '2', '6', '-'}
	lastCol := []rune{'A', 'Q', 'g', 'w'}
	runes[8] = versionCol1[int(buf[0])%len(versionCol1)]
	runes[10] = versionCol2[int(buf[1])%len(versionCol2)]
	runes[21] = lastCol[int(buf[2])%len(lastCol)]
	out := string(runes)
	if !ValidSlug(out) {
		// Regenerate deterministically from the same buffer is not
		// possible if the pattern still rejects; this should not happen
		// given the construction above, but guard rather than emit a
		// malformed id.
		return NewSlug()
	}
	return out, nil
}
