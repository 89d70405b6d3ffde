package bus

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Schemes accepted in bus URIs.
const (
	SchemeLuna = "luna"
	SchemePalm = "palm"
)

var ErrInvalidURI = errors.New("bus: invalid uri")

// Address names a method on a service, e.g. luna://com.palm.appDataBackup/preBackup.
type Address struct {
	Service  string
	Category string
	Method   string
}

func (a Address) String() string {
	p := a.Method
	if a.Category != "/" && a.Category != "" {
		p = strings.TrimPrefix(a.Category, "/") + "/" + a.Method
	}
	return SchemeLuna + "://" + a.Service + "/" + p
}

// ParseURI splits a luna:// (or legacy palm://) URI into its address parts.
func ParseURI(raw string) (Address, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if u.Scheme != SchemeLuna && u.Scheme != SchemePalm {
		return Address{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, u.Scheme)
	}
	if err := validateName(u.Host); err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	category, method := splitMethodPath(u.Path)
	if method == "" {
		return Address{}, fmt.Errorf("%w: missing method in %q", ErrInvalidURI, raw)
	}
	return Address{Service: u.Host, Category: category, Method: method}, nil
}

// splitMethodPath turns "/a/b/method" into ("/a/b", "method") and "/method"
// into ("/", "method").
func splitMethodPath(p string) (string, string) {
	p = path.Clean("/" + p)
	dir, method := path.Split(p)
	if len(dir) > 1 {
		dir = strings.TrimSuffix(dir, "/")
	}
	return dir, method
}

func validCategory(c string) bool {
	if !strings.HasPrefix(c, "/") {
		return false
	}
	if c == "/" {
		return true
	}
	return path.Clean(c) == c
}

func validateName(name string) error {
	if name == "" {
		return errors.New("empty service name")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == '_':
		default:
			return fmt.Errorf("service name %q contains %q", name, r)
		}
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("service name %q is not a dotted identifier", name)
	}
	return nil
}
