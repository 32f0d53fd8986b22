package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	argonMemory      uint32 = 64 * 1024
	argonIterations  uint32 = 2
	argonParallelism uint8  = 1
	argonKeyLength   uint32 = 32
	argonSaltLength         = 16

	// Upper bound on accepted plaintext. Argon2 itself has no limit, but
	// unbounded input lets a caller burn CPU for free.
	maxPasswordBytes = 1024
)

// HashPassword hashes plaintext with argon2id and a random salt, encoded in PHC format.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	if len(password) > maxPasswordBytes {
		return "", errors.New("password is too long")
	}

	salt := make([]byte, argonSaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, argonIterations, argonMemory, argonParallelism, argonKeyLength)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argonMemory,
		argonIterations,
		argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword reports whether password matches the stored hash. Any parse or
// computation failure yields false.
func VerifyPassword(password, storedHash string) bool {
	if storedHash == "" || len(password) > maxPasswordBytes {
		return false
	}
	if isBcrypt(storedHash) {
		return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
	}
	params, err := parseArgon2(storedHash)
	if err != nil {
		return false
	}
	computed := argon2.IDKey([]byte(password), params.salt, params.time, params.memory, params.parallelism, uint32(len(params.hash)))
	return subtle.ConstantTimeCompare(computed, params.hash) == 1
}

// NeedsRehash reports whether storedHash should be replaced with a fresh argon2id
// hash at the current cost parameters.
func NeedsRehash(storedHash string) bool {
	if isBcrypt(storedHash) {
		return true
	}
	params, err := parseArgon2(storedHash)
	if err != nil {
		return true
	}
	return params.memory < argonMemory ||
		params.time < argonIterations ||
		params.parallelism < argonParallelism ||
		uint32(len(params.hash)) != argonKeyLength
}

// dummyHash is verified against when the account does not exist so that the
// response time does not reveal whether an email is registered.
var dummyHash = func() string {
	h, err := HashPassword("ledgerdesk-timing-equalizer")
	if err != nil {
		return ""
	}
	return h
}()

func isBcrypt(h string) bool {
	return strings.HasPrefix(h, "$2a$") || strings.HasPrefix(h, "$2b$") || strings.HasPrefix(h, "$2y$")
}

type argon2Params struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	hash        []byte
}

func parseArgon2(encoded string) (*argon2Params, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return nil, errors.New("invalid argon2id hash format")
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return nil, errors.New("unsupported argon2 version")
	}

	var p argon2Params
	for _, kv := range strings.Split(parts[3], ",") {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, errors.New("invalid argon2 parameter")
		}
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil || n == 0 {
			return nil, errors.New("invalid argon2 parameter")
		}
		switch key {
		case "m":
			p.memory = uint32(n)
		case "t":
			p.time = uint32(n)
		case "p":
			if n > 255 {
				return nil, errors.New("invalid argon2 parallelism")
			}
			p.parallelism = uint8(n)
		default:
			return nil, errors.New("unknown argon2 parameter")
		}
	}
	if p.memory == 0 || p.time == 0 || p.parallelism == 0 {
		return nil, errors.New("missing argon2 parameters")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) < 8 {
		return nil, errors.New("invalid argon2 salt")
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(hash) < 16 {
		return nil, errors.New("invalid argon2 hash")
	}
	p.salt = salt
	p.hash = hash
	return &p, nil
}
