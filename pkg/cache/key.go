package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/precatorios/precatorios-client/pkg/precatorio"
)

// KeyClass groups keys that share a TTL.
type KeyClass string

const (
	// ClassPage keys one page of an entity's records.
	ClassPage KeyClass = "page"

	// ClassEntities keys the upstream entity listing.
	ClassEntities KeyClass = "entities"
)

// Key identifies a cached page. Request identifiers are deliberately absent:
// two requests for the same entity, cursor and page size share an entry.
type Key struct {
	Class    KeyClass
	Entity   string
	Cursor   precatorio.Cursor
	PageSize int
}

// Prefix returns the common prefix of every key of entity in class.
func Prefix(class KeyClass, entity string) string {
	parts := []string{"precatorios", string(class)}
	if entity != "" {
		parts = append(parts, entity)
	}
	return strings.Join(parts, ":") + ":"
}

// String generates a deterministic cache key string.
// Format: precatorios:class:entity:pagesize:cursorhash
//
// Example:
//
//	precatorios:page:municipio-de-fortaleza:500:first
func (k Key) String() string {
	parts := []string{"precatorios", string(k.Class)}

	if k.Entity != "" {
		parts = append(parts, k.Entity)
	}
	if k.PageSize > 0 {
		parts = append(parts, strconv.Itoa(k.PageSize))
	}

	if k.Cursor.IsEmpty() {
		parts = append(parts, "first")
	} else {
		sum := sha256.Sum256([]byte(k.Cursor))
		parts = append(parts, hex.EncodeToString(sum[:8]))
	}

	return strings.Join(parts, ":")
}
