package discovery

import (
	"net/url"
	"strings"
)

// blocklist matches result URLs against excluded domains. Plain entries
// match the host and its subdomains; entries with a path ("reddit.com/r/")
// match host plus path prefix.
type blocklist struct {
	suffixes []string
	prefixes []string
}

func newBlocklist(entries []string) *blocklist {
	b := &blocklist{}
	for _, raw := range entries {
		value := strings.TrimSpace(strings.ToLower(raw))
		value = strings.TrimPrefix(value, "*.")
		value = strings.TrimPrefix(value, ".")
		if value == "" {
			continue
		}
		if strings.Contains(value, "/") {
			b.prefixes = append(b.prefixes, value)
			continue
		}
		b.addSuffix(value)
	}
	return b
}

// add registers one more host, e.g. the source article's own domain.
func (b *blocklist) add(host string) {
	host = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(host)), "www.")
	if host != "" {
		b.addSuffix(host)
	}
}

func (b *blocklist) addSuffix(suffix string) {
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

func (b *blocklist) blocked(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	if len(b.prefixes) == 0 {
		return false
	}
	hostPath := strings.TrimPrefix(host, "www.") + strings.ToLower(u.EscapedPath())
	for _, prefix := range b.prefixes {
		if strings.HasPrefix(hostPath, prefix) || strings.Contains(hostPath, "."+prefix) {
			return true
		}
	}
	return false
}

func (b *blocklist) clone() *blocklist {
	return &blocklist{
		suffixes: append([]string(nil), b.suffixes...),
		prefixes: append([]string(nil), b.prefixes...),
	}
}
