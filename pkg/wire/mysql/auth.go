package mysql

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
)

// generateSalt returns a 20-byte auth plugin challenge. Bytes must be
// non-zero and printable-safe since part 1 is embedded NUL-terminated in
// the greeting.
func generateSalt() ([]byte, error) {
	salt := make([]byte, 20)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	for i := range salt {
		salt[i] = salt[i]%94 + 33
	}
	return salt, nil
}

// scramblePassword computes the mysql_native_password proof:
// SHA1(password) XOR SHA1(salt ++ SHA1(SHA1(password))).
func scramblePassword(salt []byte, password string) []byte {
	if password == "" {
		return nil
	}
	stage1 := sha1.Sum([]byte(password))
	stage2 := sha1.Sum(stage1[:])

	h := sha1.New()
	h.Write(salt)
	h.Write(stage2[:])
	proof := h.Sum(nil)

	for i := range proof {
		proof[i] ^= stage1[i]
	}
	return proof
}

// checkNativePassword verifies a client auth response against the known
// plaintext password for the salt issued in the greeting.
func checkNativePassword(salt, authResponse []byte, password string) bool {
	expected := scramblePassword(salt, password)
	if len(expected) != len(authResponse) {
		return false
	}
	return subtle.ConstantTimeCompare(expected, authResponse) == 1
}
