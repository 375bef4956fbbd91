package npm

import (
	"archive/tar"
	"io"
	"path"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const manifestFileName = "package.json"

// ManifestParserFunc parses a package manifest out of tarball bytes provided
// by a byte-stream supplier.
type ManifestParserFunc func(open func() (io.ReadCloser, error)) (map[string]any, error)

// ParsePackageJSON extracts the package manifest from a gzipped npm tarball.
// The manifest is expected as "package.json" directly below the single root
// directory of the archive, which npm conventionally names "package" but
// tools are free to name differently.
func ParsePackageJSON(open func() (io.ReadCloser, error)) (map[string]any, error) {
	rc, err := open()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open tarball")
	}
	defer rc.Close()

	gz, err := gzip.NewReader(rc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read tarball gzip stream")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read tarball entry")
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if !isManifestPath(header.Name) {
			continue
		}
		var manifest map[string]any
		if err := json.NewDecoder(tr).Decode(&manifest); err != nil {
			return nil, errors.Wrapf(err, "failed to decode %s", header.Name)
		}
		return manifest, nil
	}
	return nil, errors.New("tarball contains no " + manifestFileName)
}

// ManifestName returns the manifest's package name, or "" if absent.
func ManifestName(manifest map[string]any) string {
	return stringAttr(manifest, keyName)
}

// ManifestVersion returns the manifest's package version, or "" if absent.
func ManifestVersion(manifest map[string]any) string {
	return stringAttr(manifest, keyVersion)
}

func isManifestPath(name string) bool {
	clean := path.Clean(strings.TrimPrefix(name, "./"))
	parts := strings.Split(clean, "/")
	return len(parts) == 2 && parts[1] == manifestFileName
}

func stringAttr(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
