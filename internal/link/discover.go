package link

import (
	"errors"
	"path/filepath"
	"sort"
	"strings"

	"go.bug.st/serial"
)

// ErrNoDevice means no enumerated port matched any candidate.
var ErrNoDevice = errors.New("link: no matching serial device")

// Matcher selects device paths. A pattern containing glob metacharacters is
// matched against the full path and the base name; anything else is a
// substring match.
type Matcher struct {
	Pattern string
}

func (m Matcher) Match(path string) bool {
	p := strings.TrimSpace(m.Pattern)
	if p == "" {
		return false
	}
	if strings.ContainsAny(p, "*?[") {
		if ok, _ := filepath.Match(p, path); ok {
			return true
		}
		ok, _ := filepath.Match(p, filepath.Base(path))
		return ok
	}
	return strings.Contains(path, p)
}

// DefaultCandidates prefers the FTDI/CP210x adapter over a CDC-ACM board.
func DefaultCandidates() []Matcher {
	return []Matcher{{Pattern: "ttyUSB0"}, {Pattern: "ttyACM0"}}
}

// Matchers builds an ordered matcher list from configuration patterns.
func Matchers(patterns []string) []Matcher {
	out := make([]Matcher, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, Matcher{Pattern: p})
	}
	return out
}

// Select returns the port chosen by the highest-priority matcher that matches
// anything. Several ports under the same matcher resolve to the lexically
// smallest path.
func Select(ports []string, candidates []Matcher) (string, bool) {
	for _, m := range candidates {
		var hits []string
		for _, p := range ports {
			if m.Match(p) {
				hits = append(hits, p)
			}
		}
		if len(hits) > 0 {
			sort.Strings(hits)
			return hits[0], true
		}
	}
	return "", false
}

// ListPorts enumerates serial ports, falling back to a /dev scan when the
// platform enumerator is unavailable.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err == nil && len(ports) > 0 {
		return ports, nil
	}
	var out []string
	for _, pat := range []string{"/dev/ttyUSB*", "/dev/ttyACM*"} {
		m, _ := filepath.Glob(pat)
		out = append(out, m...)
	}
	if len(out) == 0 && err != nil {
		return nil, err
	}
	return out, nil
}
