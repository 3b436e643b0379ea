package execution

import (
	"fmt"
	"strings"
)

// Orders carry an encoded tag from which the intent id is recoverable; the
// tag is the sole cross-reference between broker state and the journal.
// Format: "QTSW2:" + hex intent id, with an optional leg suffix for
// protective orders.
const tagPrefix = "QTSW2:"

// Leg distinguishes the entry order from its protective legs.
type Leg int

const (
	LegEntry Leg = iota
	LegStop
	LegTarget
)

func (l Leg) String() string {
	switch l {
	case LegStop:
		return "STOP"
	case LegTarget:
		return "TARGET"
	default:
		return "ENTRY"
	}
}

// EncodeTag builds the order tag for an intent leg.
func EncodeTag(intentID string, leg Leg) string {
	switch leg {
	case LegStop:
		return tagPrefix + intentID + ":STOP"
	case LegTarget:
		return tagPrefix + intentID + ":TARGET"
	default:
		return tagPrefix + intentID
	}
}

// DecodeTag recovers (intentID, leg) from a tag. Anything not matching the
// fixed format is rejected; callers route rejects to the untracked-fill path.
func DecodeTag(tag string) (string, Leg, error) {
	if !strings.HasPrefix(tag, tagPrefix) {
		return "", LegEntry, fmt.Errorf("tag %q: missing prefix", tag)
	}
	rest := strings.TrimPrefix(tag, tagPrefix)
	leg := LegEntry
	if strings.HasSuffix(rest, ":STOP") {
		leg = LegStop
		rest = strings.TrimSuffix(rest, ":STOP")
	} else if strings.HasSuffix(rest, ":TARGET") {
		leg = LegTarget
		rest = strings.TrimSuffix(rest, ":TARGET")
	}
	if rest == "" || strings.ContainsAny(rest, ": ") {
		return "", LegEntry, fmt.Errorf("tag %q: malformed intent id", tag)
	}
	for _, c := range rest {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", LegEntry, fmt.Errorf("tag %q: intent id not hex", tag)
		}
	}
	return rest, leg, nil
}
