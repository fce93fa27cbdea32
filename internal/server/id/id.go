// Package id generates and validates prefixed entity identifiers.
// Every id is a fixed two-letter entity tag, an underscore, and a
// 24-character alphanumeric nanoid suffix (e.g. "ag_x7Kp...").
package id

import (
	"fmt"
	"regexp"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Kind is the entity tag portion of an id.
type Kind string

const (
	Agent     Kind = "ag"
	Worktree  Kind = "wt"
	Workspace Kind = "ws"
	Message   Kind = "ms"
)

const (
	alphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	suffixLen = 24
)

var suffixPattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// New returns a fresh id for the given entity kind.
func New(kind Kind) string {
	suffix, err := gonanoid.Generate(alphabet, suffixLen)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return string(kind) + "_" + suffix
}

// Valid reports whether s is a well-formed id of the given kind.
// Ids generated elsewhere are accepted as long as the tag matches and
// the suffix is non-empty alphanumeric.
func Valid(kind Kind, s string) bool {
	suffix, ok := strings.CutPrefix(s, string(kind)+"_")
	if !ok || suffix == "" {
		return false
	}
	return suffixPattern.MatchString(suffix)
}
