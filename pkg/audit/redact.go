package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Metadata keys whose string values are hashed before storage.
var sensitiveMetadataKeys = map[string]bool{
	"user_agent": true,
	"referer":    true,
	"client_ip":  true,
	"email":      true,
}

func redactMetadata(meta map[string]any, salt []byte) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		s, ok := v.(string)
		if ok && sensitiveMetadataKeys[strings.ToLower(k)] {
			out[k+"_hash"] = hashString(s, salt)
			continue
		}
		out[k] = v
	}
	return out
}

func hashRecipients(to []string, salt []byte) string {
	if len(to) == 0 {
		return ""
	}
	return hashString(strings.Join(to, ","), salt)
}

func hashString(v string, salt []byte) string {
	if v == "" {
		return ""
	}
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
