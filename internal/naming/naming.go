// Package naming generates bucket and key names for conformance cases,
// including the boundary and invalid names used by negative tests.
package naming

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// BucketPrefix starts every bucket created by the suite so leftovers are
// easy to find and clean.
const BucketPrefix = "s3probe-"

const (
	ShortestDNSBucketNameLength    = 3
	LongestDNSBucketNameLength     = 63
	ShortestExpandBucketNameLength = 3
	LongestExpandBucketNameLength  = 255
)

// Convention selects which bucket naming rules a target enforces.
type Convention int

const (
	// Expand allows upper case, underscores and names up to 255 bytes.
	Expand Convention = iota
	// DNS restricts names to DNS-compatible labels of at most 63 bytes.
	DNS
)

// ConventionFor maps the configuration flag to a Convention.
func ConventionFor(dnsNaming bool) Convention {
	if dnsNaming {
		return DNS
	}
	return Expand
}

// maxPrefixLength keeps unique bucket names within the DNS length limit.
const maxPrefixLength = LongestDNSBucketNameLength - len(BucketPrefix) - 1 - 36

// UniqueBucketName returns BucketPrefix + prefix + "-" + a random UUID.
// prefix names the creator, typically the test, and is lower-cased with
// characters invalid in bucket names replaced.
func UniqueBucketName(prefix string) string {
	prefix = sanitizePrefix(prefix)
	if len(prefix) > maxPrefixLength {
		prefix = prefix[:maxPrefixLength]
	}
	return BucketPrefix + prefix + "-" + uuid.NewString()
}

func sanitizePrefix(prefix string) string {
	prefix = strings.ToLower(prefix)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r == '_', r == '/', r == '.':
			return '-'
		default:
			return -1
		}
	}, prefix)
}

// UniqueKeyName returns "key-" + a random UUID.
func UniqueKeyName() string {
	return "key-" + uuid.NewString()
}

// CodePointSequence returns the characters from begin up to, but not
// including, end.
func CodePointSequence(begin, end rune) string {
	var b strings.Builder
	for r := begin; r < end; r++ {
		b.WriteRune(r)
	}
	return b.String()
}

// ShortestBucketNames returns names of the minimum valid length.
func ShortestBucketNames(c Convention) []string {
	if c == DNS {
		return []string{"abc", "123", "ab1", "a12", "a-1"}
	}
	return []string{
		"abc", "ABC", "123", "aA1", "a.B", "a-1", "A_2",
		"a.-", "a._", "a-_", ".-A", "._A", "-_A", ".-_",
	}
}

// LongestBucketNames returns names of the maximum valid length.
func LongestBucketNames(c Convention) []string {
	prefix, length := "aA0.-_", LongestExpandBucketNameLength
	if c == DNS {
		prefix, length = "a.0-", LongestDNSBucketNameLength
	}
	id := uuid.NewString()
	return []string{prefix + id + strings.Repeat("e", length-len(prefix)-len(id))}
}

// BucketNamesWithSpecialSymbols returns valid names that start or end with
// punctuation.
func BucketNamesWithSpecialSymbols(c Convention) []string {
	id := uuid.NewString()
	if c == DNS {
		return []string{
			"s." + id,
			"s-" + id,
			id + ".e",
			id + "-e",
		}
	}

	var names []string
	for _, p := range []string{".", "-", "_", "..", "--", "__", ".-", "._", "-_", ".-_"} {
		names = append(names, p+id)
	}
	// A trailing '.' is rejected even by permissive targets.
	for _, s := range []string{"-", "_", "--", "__", ".-", "._", "-_", ".-_"} {
		names = append(names, id+s)
	}
	return names
}

// ValidBucketNames returns additional names every target under the
// convention must accept.
func ValidBucketNames(c Convention) []string {
	if c != DNS {
		return nil
	}
	id := uuid.NewString()
	return []string{
		"myawsbucket" + id,
		"my.aws.bucket" + id,
		"myawsbucket.1" + id,
		"192.168.5.1-192.168.5.3" + id,
		"021-12345678" + id,
		"abcdefghijklmnopqrstuvwxyz.0123456789-e",
	}
}

// InvalidCharBucketNames returns names embedding one invalid byte each,
// percent-encoded as "a-%XX-uuid".
func InvalidCharBucketNames(c Convention) []string {
	chars := []byte{
		0x00, 0x1f, // control characters
		0x20, 0x2c, // ' ' to ','
		0x3a, 0x40, // ':' to '@'
		0x5b, 0x5e, // '[' to '^'
		0x60,       // '`'
		0x7b, 0x7f, // '{' to DEL
		0x80, 0xff,
	}
	if c == DNS {
		chars = append(chars,
			0x2e,       // '.'
			0x41, 0x5a, // 'A' to 'Z'
			0x5f,       // '_'
		)
	}

	id := uuid.NewString()
	names := make([]string, 0, len(chars))
	for _, ch := range chars {
		names = append(names, fmt.Sprintf("a-%%%02x-%s", ch, id))
	}
	return names
}

// TooShortBucketNames returns names below the minimum length.
func TooShortBucketNames() []string {
	return []string{"a", "ab"}
}

// TooLongBucketNames returns a name one byte over the maximum length.
func TooLongBucketNames(c Convention) []string {
	if c == DNS {
		return []string{strings.Repeat("a", LongestDNSBucketNameLength+1)}
	}
	return []string{strings.Repeat("a", LongestExpandBucketNameLength+1)}
}

// UppercaseBucketNames returns names invalid under DNS naming only.
func UppercaseBucketNames() []string {
	return []string{
		"abcA-" + uuid.NewString(),
		"abcZ-" + uuid.NewString(),
	}
}

// DotHyphenBucketNames returns names starting or ending with '.' or '-'.
func DotHyphenBucketNames() []string {
	return []string{".abc", "abc.", "-abc", "abc-"}
}

// ContinuousDotBucketNames returns names with adjacent punctuation.
func ContinuousDotBucketNames() []string {
	return []string{"ab..c", "ab.-c", "ab-.c", "ab__c", "ab_.-c", "ab-_c", "ab_-c"}
}

// IPAddressBucketNames returns names formatted as an IPv4 address.
func IPAddressBucketNames() []string {
	return []string{"192.168.5.4"}
}
