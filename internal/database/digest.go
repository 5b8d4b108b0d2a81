package database

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for OTP code digests. Codes are short-lived (10
// minutes) and 4-8 digits, so the cost is tuned below interactive-password
// levels to keep the dispatch path fast.
const (
	digestTime    = 1
	digestMemory  = 16 * 1024 // 16 MB
	digestThreads = 2
	digestKeyLen  = 32
	digestSaltLen = 16
)

// HashCode hashes a plaintext OTP code using Argon2id and returns an encoded
// string in the format:
//
//	$argon2id$v=19$m=16384,t=1,p=2$<salt>$<hash>
//
// The plaintext code is never persisted anywhere.
func HashCode(code string) (string, error) {
	salt := make([]byte, digestSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	hash := argon2.IDKey([]byte(code), salt, digestTime, digestMemory, digestThreads, digestKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		digestMemory, digestTime, digestThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// CheckCode verifies a plaintext code against an encoded Argon2id digest.
func CheckCode(code, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, fmt.Errorf("malformed code digest")
	}

	var memory, timeCost uint32
	var threads uint8
	for _, param := range strings.Split(parts[3], ",") {
		kv := strings.SplitN(param, "=", 2)
		if len(kv) != 2 {
			return false, fmt.Errorf("malformed digest parameters")
		}
		n, err := strconv.ParseUint(kv[1], 10, 32)
		if err != nil {
			return false, fmt.Errorf("parsing digest parameter %s: %w", kv[0], err)
		}
		switch kv[0] {
		case "m":
			memory = uint32(n)
		case "t":
			timeCost = uint32(n)
		case "p":
			threads = uint8(n)
		}
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("decoding salt: %w", err)
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("decoding hash: %w", err)
	}

	computed := argon2.IDKey([]byte(code), salt, timeCost, memory, threads, uint32(len(hash)))
	return subtle.ConstantTimeCompare(computed, hash) == 1, nil
}
