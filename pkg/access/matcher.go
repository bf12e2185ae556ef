package access

import "strings"

// Level is the access level a pattern set or a grant yields
type Level int

const (
	None Level = iota
	Read
	Write
	ReadWrite
)

func (l Level) String() string {
	switch l {
	case Read:
		return "read"
	case Write:
		return "write"
	case ReadWrite:
		return "read_write"
	default:
		return "none"
	}
}

// CanRead reports whether the level grants reads
func (l Level) CanRead() bool {
	return l == Read || l == ReadWrite
}

// CanWrite reports whether the level grants writes
func (l Level) CanWrite() bool {
	return l == Write || l == ReadWrite
}

// Wildcard grants everything when it appears as a pattern on its own
const Wildcard = "*"

// Key pattern rule tags
const (
	RuleRead      = "%R"
	RuleWrite     = "%W"
	RuleReadWrite = "%RW"
)

// KeyAccess evaluates a key against rule-tagged key patterns of the form
// "<rule>~<prefix>*". The first pattern whose prefix occurs in the key decides.
func KeyAccess(key string, patterns []string) Level {
	for _, p := range patterns {
		if p == Wildcard {
			return ReadWrite
		}
	}
	for _, p := range patterns {
		parts := strings.Split(p, "~")
		rule := parts[0]
		prefix := literalPrefix(strings.Join(parts[1:], ""))
		if !strings.Contains(key, prefix) {
			continue
		}
		switch rule {
		case RuleRead:
			return Read
		case RuleWrite:
			return Write
		case RuleReadWrite:
			return ReadWrite
		}
	}
	return None
}

// ChannelAccess evaluates a channel against untagged channel patterns.
// Any pattern whose prefix occurs in the channel grants read_write.
func ChannelAccess(channel string, patterns []string) Level {
	for _, p := range patterns {
		if strings.Contains(channel, literalPrefix(p)) {
			return ReadWrite
		}
	}
	return None
}

// literalPrefix returns the glob text before the first '*'
func literalPrefix(pattern string) string {
	if i := strings.IndexByte(pattern, '*'); i >= 0 {
		return pattern[:i]
	}
	return pattern
}
