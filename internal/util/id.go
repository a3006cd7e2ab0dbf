package util

import "github.com/google/uuid"

// NewID returns a random identifier, optionally namespaced as "<prefix>_<hex>".
func NewID(prefix string) string {
	raw := uuid.New()
	hex := make([]byte, 0, 32)
	const digits = "0123456789abcdef"
	for _, b := range raw {
		hex = append(hex, digits[b>>4], digits[b&0x0f])
	}
	if prefix == "" {
		return string(hex)
	}
	return prefix + "_" + string(hex)
}
