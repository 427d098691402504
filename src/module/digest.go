package module

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

const DigestSize = sha256.Size

// DigestBytes returns the hex sha-256 of b.
func DigestBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DigestReader hashes r to EOF and returns the hex digest and byte count.
func DigestReader(r io.Reader) (string, int64, error) {
	hasher := sha256.New()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

func DigestFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	digest, n, err := DigestReader(f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return digest, n, nil
}

// ValidDigest reports whether s looks like a hex sha-256.
func ValidDigest(s string) bool {
	if len(s) != DigestSize*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
