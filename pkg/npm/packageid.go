package npm

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// maxPackageIDLength is the npm registry limit for the full package name,
// including the scope.
const maxPackageIDLength = 214

var packageIDPattern = regexp.MustCompile(`^(@[a-z0-9][a-z0-9._-]*/)?[a-z0-9][a-z0-9._-]*$`)

// PackageID identifies an npm package, optionally qualified by a scope,
// e.g. "lodash" or "@types/node".
type PackageID struct {
	scope string
	name  string
}

// ParsePackageID validates raw against the npm package naming rules.
func ParsePackageID(raw string) (PackageID, error) {
	if raw == "" {
		return PackageID{}, errors.New("package name must not be empty")
	}
	if len(raw) > maxPackageIDLength {
		return PackageID{}, errors.Errorf("package name exceeds %d characters: %q", maxPackageIDLength, raw)
	}
	if !packageIDPattern.MatchString(raw) {
		return PackageID{}, errors.Errorf("invalid package name: %q", raw)
	}
	if scope, name, ok := strings.Cut(raw, "/"); ok {
		return PackageID{scope: strings.TrimPrefix(scope, "@"), name: name}, nil
	}
	return PackageID{name: raw}, nil
}

func (id PackageID) Scope() string {
	return id.scope
}

func (id PackageID) Name() string {
	return id.name
}

// String returns the full package name, e.g. "@types/node".
func (id PackageID) String() string {
	if id.scope == "" {
		return id.name
	}
	return "@" + id.scope + "/" + id.name
}

func splitScope(name string) (scope, unscoped string, ok bool) {
	if !strings.HasPrefix(name, "@") {
		return "", name, false
	}
	return strings.Cut(name[1:], "/")
}
