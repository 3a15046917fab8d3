package sources

import (
	"bufio"
	"net/url"
	"os"
	"strings"

	"driftline/internal/pipeline"
)

// Allowlist restricts website scraping to known hosts. A nil or empty
// allowlist refuses every host.
type Allowlist struct {
	hosts map[string]bool
}

// NewAllowlist builds an allowlist from host names. An entry matches itself
// and any subdomain.
func NewAllowlist(hosts []string) *Allowlist {
	set := make(map[string]bool, len(hosts))
	for _, host := range hosts {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" {
			continue
		}
		set[host] = true
	}
	return &Allowlist{hosts: set}
}

// LoadAllowlist reads one host per line; blank lines and #-comments are
// skipped.
func LoadAllowlist(path string) (*Allowlist, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, pipeline.Errorf(pipeline.KindConfig, "read allowlist: %v", err)
	}
	defer file.Close()
	var hosts []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hosts = append(hosts, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, pipeline.Errorf(pipeline.KindConfig, "read allowlist %s: %v", path, err)
	}
	return NewAllowlist(hosts), nil
}

// Allows reports whether the URL's host is on the list.
func (a *Allowlist) Allows(rawURL string) bool {
	if a == nil || len(a.hosts) == 0 {
		return false
	}
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Host == "" {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	if a.hosts[host] {
		return true
	}
	for {
		dot := strings.Index(host, ".")
		if dot < 0 {
			return false
		}
		host = host[dot+1:]
		if a.hosts[host] {
			return true
		}
	}
}
