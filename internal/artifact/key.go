package artifact

import (
	"fmt"
	"strings"
)

// Key identifies an artifact.
type Key struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Version   string `json:"version"`
}

// String renders the key as namespace/name@version.
func (k Key) String() string {
	return k.Namespace + "/" + k.Name + "@" + k.Version
}

// Validate rejects empty parts and parts that could escape a directory.
func (k Key) Validate() error {
	for _, p := range []struct{ field, v string }{
		{"namespace", k.Namespace}, {"name", k.Name}, {"version", k.Version},
	} {
		if p.v == "" {
			return fmt.Errorf("artifact key: empty %s", p.field)
		}
		if p.v == "." || p.v == ".." || strings.ContainsAny(p.v, `/\@`) {
			return fmt.Errorf("artifact key: invalid %s %q", p.field, p.v)
		}
	}
	return nil
}

// ParseKey parses namespace/name@version. A missing version means "latest".
func ParseKey(s string) (Key, error) {
	ns, rest, ok := strings.Cut(s, "/")
	if !ok {
		return Key{}, fmt.Errorf("artifact key %q: want namespace/name@version", s)
	}
	name, version, ok := strings.Cut(rest, "@")
	if !ok {
		version = "latest"
	}
	k := Key{Namespace: ns, Name: name, Version: version}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}
