package review

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Scope prefixes every decision button raised by the link-flood rule.
const Scope = "imagescam"

// Verb is the action encoded in a decision button.
type Verb string

const (
	VerbKick     Verb = "dospamkick"
	VerbClear    Verb = "clear"
	VerbResolved Verb = "resolved"
)

// MaxDataLen is the platform's callback data size limit in bytes.
const MaxDataLen = 64

var ErrMalformed = errors.New("malformed decision data")

// Decision is a parsed decision button.
type Decision struct {
	Verb     Verb
	EntityID int64
}

// Encode formats d as "imagescam:<verb>:<entity id>".
func Encode(d Decision) string {
	return Scope + ":" + string(d.Verb) + ":" + strconv.FormatInt(d.EntityID, 10)
}

// IsDecision reports whether data belongs to this scope.
func IsDecision(data string) bool {
	return strings.HasPrefix(strings.TrimSpace(data), Scope+":")
}

// Parse decodes data produced by Encode. Unknown verbs are returned as-is so
// the caller can answer them; structural problems yield ErrMalformed.
func Parse(data string) (Decision, error) {
	parts := strings.Split(strings.TrimSpace(data), ":")
	if len(parts) != 3 || parts[0] != Scope {
		return Decision{}, fmt.Errorf("%w: %q", ErrMalformed, data)
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: entity id %q", ErrMalformed, parts[2])
	}
	return Decision{Verb: Verb(parts[1]), EntityID: id}, nil
}
