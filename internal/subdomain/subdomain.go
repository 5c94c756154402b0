// Package subdomain validates, blocks, and generates the DNS labels used as
// tunnel addresses.
package subdomain

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
)

const (
	minLen = 3
	maxLen = 63
)

var (
	ErrTooShort    = errors.New("subdomain must be at least 3 characters")
	ErrTooLong     = errors.New("subdomain must be at most 63 characters")
	ErrBadChars    = errors.New("subdomain may contain only lowercase letters, digits and single hyphens")
	ErrNumeric     = errors.New("subdomain cannot be purely numeric")
	ErrIPLike      = errors.New("subdomain cannot look like an IP address")
	ErrReserved    = errors.New("subdomain is reserved")
)

// blockExact are labels rejected by exact match: reserved infrastructure
// names and brands commonly used for phishing.
var blockExact = map[string]struct{}{
	"www": {}, "mail": {}, "smtp": {}, "imap": {}, "pop": {}, "ftp": {},
	"ns": {}, "ns1": {}, "ns2": {}, "mx": {}, "dns": {},
	"api": {}, "admin": {}, "root": {}, "sysadmin": {}, "administrator": {},
	"dashboard": {}, "internal": {}, "intranet": {}, "staging": {}, "status": {},
	"dev": {}, "test": {}, "demo": {}, "app": {}, "portal": {}, "vpn": {},
	"cdn": {}, "static": {}, "assets": {}, "edge": {}, "node": {},
	"billing": {}, "payments": {}, "checkout": {}, "account": {}, "accounts": {},
	"auth": {}, "sso": {}, "oauth": {}, "id": {}, "identity": {},
	"help": {}, "support": {}, "docs": {}, "blog": {},
	"tunnel": {}, "tunnels": {}, "inspector": {}, "dvaar": {},
}

// blockSubstrings are rejected anywhere in the label: brand names and
// phishing keywords that indicate impersonation intent.
var blockSubstrings = []string{
	"paypal", "stripe", "visa", "mastercard", "amex",
	"google", "gmail", "youtube", "facebook", "instagram", "whatsapp",
	"microsoft", "office365", "outlook", "windows",
	"apple", "icloud", "itunes",
	"amazon", "aws",
	"netflix", "spotify",
	"twitter", "telegram", "discord", "slack",
	"github", "gitlab", "bitbucket",
	"coinbase", "binance", "metamask", "blockchain",
	"bank", "banking", "wallet",
	"login", "logon", "signin", "sign-in", "verify", "verification",
	"secure", "security", "password", "passwd", "credential",
	"update-account", "confirm-account", "webmail",
}

// Validate checks the label shape against the public-label rules. It does not
// consult the blocklist; use Check for the full admission test.
func Validate(sub string) error {
	if len(sub) < minLen {
		return ErrTooShort
	}
	if len(sub) > maxLen {
		return ErrTooLong
	}
	allDigits := true
	ipLike := true
	for _, segment := range strings.Split(sub, "-") {
		if segment == "" {
			// leading/trailing hyphen or a double hyphen
			return ErrBadChars
		}
		segDigits := true
		for _, c := range segment {
			switch {
			case c >= 'a' && c <= 'z':
				segDigits = false
				allDigits = false
			case c >= '0' && c <= '9':
			default:
				return ErrBadChars
			}
		}
		if !segDigits {
			ipLike = false
		}
	}
	if allDigits && !strings.Contains(sub, "-") {
		return ErrNumeric
	}
	if ipLike && strings.Count(sub, "-") == 3 {
		return ErrIPLike
	}
	return nil
}

// Check runs Validate and then the blocklist. Input is folded to lowercase
// before comparison.
func Check(sub string) error {
	sub = strings.ToLower(sub)
	if err := Validate(sub); err != nil {
		return err
	}
	if _, ok := blockExact[sub]; ok {
		return ErrReserved
	}
	for _, s := range blockSubstrings {
		if strings.Contains(sub, s) {
			return ErrReserved
		}
	}
	return nil
}

var adjectives = []string{
	"brisk", "calm", "clever", "crisp", "eager", "fancy", "gentle", "happy",
	"jolly", "keen", "lively", "lucid", "mellow", "nimble", "polite", "quiet",
	"rapid", "shiny", "solid", "sunny", "swift", "tidy", "vivid", "witty",
}

var nouns = []string{
	"badger", "beacon", "comet", "falcon", "fern", "harbor", "heron", "lark",
	"lynx", "maple", "meadow", "otter", "panda", "pebble", "pine", "raven",
	"reef", "river", "sparrow", "summit", "tiger", "trail", "willow", "wren",
}

// Generate returns a pseudo-random "adj-noun-NNN" label. Collisions are
// resolved by the caller retrying.
func Generate() string {
	return fmt.Sprintf("%s-%s-%d",
		adjectives[rand.IntN(len(adjectives))],
		nouns[rand.IntN(len(nouns))],
		100+rand.IntN(900))
}
