// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package principal

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	// GlobalPrefix starts every prison username.
	GlobalPrefix = "prison"

	// Separator joins the username pieces.
	Separator = "_"

	// MaxPrefixLength bounds the per-prison tag embedded in usernames.
	MaxPrefixLength = 5

	randomNameLength     = 7
	randomPasswordLength = 10
	passwordLead         = "Pr!5"
)

// Lowercase only: useradd's default NAME_REGEX rejects uppercase.
const nameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

const passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// randomString draws length characters from alphabet using crypto/rand.
func randomString(alphabet string, length int) string {
	var builder strings.Builder
	builder.Grow(length)
	buffer := make([]byte, length)
	rand.Read(buffer)
	for _, b := range buffer {
		builder.WriteByte(alphabet[int(b)%len(alphabet)])
	}
	return builder.String()
}

// GenerateUsername returns "prison_<prefix>_<random7>", or
// "prison_<random7>" when prefix is empty.
func GenerateUsername(prefix string) (string, error) {
	if err := ValidatePrefix(prefix); err != nil {
		return "", err
	}
	pieces := []string{GlobalPrefix}
	if prefix != "" {
		pieces = append(pieces, prefix)
	}
	pieces = append(pieces, randomString(nameAlphabet, randomNameLength))
	return strings.Join(pieces, Separator), nil
}

// ValidatePrefix checks the tag embedded in a username.
func ValidatePrefix(prefix string) error {
	if len(prefix) > MaxPrefixLength {
		return fmt.Errorf("principal prefix %q is longer than %d characters", prefix, MaxPrefixLength)
	}
	for _, r := range prefix {
		if !strings.ContainsRune(nameAlphabet, r) {
			return fmt.Errorf("principal prefix %q may only contain lowercase letters and digits", prefix)
		}
	}
	return nil
}

// GeneratePassword returns "Pr!5" followed by ten random alphanumerics.
func GeneratePassword() []byte {
	return []byte(passwordLead + randomString(passwordAlphabet, randomPasswordLength))
}

// PrefixOf recovers the tag from a username. Only usernames of exactly
// three pieces carry one.
func PrefixOf(username string) string {
	pieces := strings.Split(username, Separator)
	if len(pieces) != 3 {
		return ""
	}
	return pieces[1]
}

// IsPrisonUsername reports whether username carries the global prefix.
func IsPrisonUsername(username string) bool {
	return strings.HasPrefix(username, GlobalPrefix)
}
