// Package env composes the environment handed to supervised children.
package env

import (
	"fmt"
	"sort"
	"strings"
)

// Layer is an ordered list of KEY=VALUE overrides.
type Layer []string

// Validate rejects entries without '=' or with an empty key.
func (l Layer) Validate() error {
	for i, kv := range l {
		k, _, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("env[%d]: %q is not KEY=VALUE", i, kv)
		}
	}
	return nil
}

// Compose applies each layer over base in order and returns a sorted
// KEY=VALUE list. ${KEY} references in layer values are expanded against the
// variables known at the point the layer is applied; unknown references
// become empty. Malformed entries are skipped.
func Compose(base []string, layers ...Layer) []string {
	m := toMap(base)
	for _, l := range layers {
		for _, kv := range l {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				continue
			}
			m[k] = expand(v, m)
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func toMap(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	return m
}

// expand replaces ${KEY} only; a bare $ is kept literally.
func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+2+j]])
		s = s[i+3+j:]
	}
}
