package crypto

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Key is one version of the token encryption key, supplied from configuration.
type Key struct {
	Version  int
	Material []byte
}

// ParseKeys decodes the configured key map (version -> base64 key). Versions
// must be positive integers and every key exactly 32 bytes. The result is
// sorted by version, oldest first.
func ParseKeys(encoded map[string]string) ([]Key, error) {
	if len(encoded) == 0 {
		return nil, fmt.Errorf("no token encryption keys configured")
	}

	keys := make([]Key, 0, len(encoded))
	for rawVersion, rawKey := range encoded {
		version, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(rawVersion), "v"))
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("invalid key version %q: must be a positive integer", rawVersion)
		}

		material, err := decodeKeyMaterial(rawKey)
		if err != nil {
			return nil, fmt.Errorf("key version %d: %w", version, err)
		}
		if len(material) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("key version %d: expected %d bytes, got %d", version, chacha20poly1305.KeySize, len(material))
		}

		keys = append(keys, Key{Version: version, Material: material})
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].Version < keys[j].Version })
	return keys, nil
}

// decodeKeyMaterial accepts standard or URL-safe base64, padded or not.
func decodeKeyMaterial(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("key is not valid base64")
}
