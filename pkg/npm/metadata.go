package npm

const (
	keyName      = "name"
	keyVersion   = "version"
	keyVersions  = "versions"
	keyDist      = "dist"
	keyShasum    = "shasum"
	keyIntegrity = "integrity"
	keyTarball   = "tarball"
	keyDistTags  = "dist-tags"
	keyLatest    = "latest"
)

// PackageRoot is the denormalized per-package metadata document served to npm
// clients. It aggregates the distribution info of all published versions under
// "versions", keeping whatever other fields the manifests carried.
type PackageRoot map[string]any

// BuildPackageRoot builds the package root fragment for a single version from
// its manifest. The shasum is the authoritative content hash of the tarball
// blob, never the manifest's self-reported value.
func BuildPackageRoot(manifest map[string]any, repository, shasum string) PackageRoot {
	var (
		name    = ManifestName(manifest)
		version = ManifestVersion(manifest)
	)

	versionDoc := make(map[string]any, len(manifest)+1)
	for k, v := range manifest {
		versionDoc[k] = v
	}
	versionDoc[keyDist] = map[string]any{
		keyShasum:  shasum,
		keyTarball: "/repository/" + repository + "/" + TarballPath(name, version),
	}

	return PackageRoot{
		keyName:     name,
		keyDistTags: map[string]any{keyLatest: version},
		keyVersions: map[string]any{version: versionDoc},
	}
}

// MergePackageRoot merges an incoming single-version root into the stored
// root, leaving unrelated versions and dist-tags untouched. A nil stored root
// yields the incoming one.
func MergePackageRoot(stored, incoming PackageRoot) PackageRoot {
	if stored == nil {
		return incoming
	}

	merged := make(PackageRoot, len(stored))
	for k, v := range stored {
		merged[k] = v
	}
	for k, v := range incoming {
		if k != keyVersions && k != keyDistTags {
			merged[k] = v
		}
	}

	merged[keyVersions] = mergeChild(stored, incoming, keyVersions)
	if tags := mergeChild(stored, incoming, keyDistTags); len(tags) > 0 {
		merged[keyDistTags] = tags
	}

	return merged
}

func mergeChild(stored, incoming PackageRoot, key string) map[string]any {
	merged := make(map[string]any, len(child(stored, key))+len(child(incoming, key)))
	for k, v := range child(stored, key) {
		merged[k] = v
	}
	for k, v := range child(incoming, key) {
		merged[k] = v
	}
	return merged
}

// Shasum returns the recorded dist.shasum of the given version, or "".
func (r PackageRoot) Shasum(version string) string {
	return stringAttr(r.dist(version), keyShasum)
}

// Integrity returns the recorded dist.integrity of the given version, or "".
func (r PackageRoot) Integrity(version string) string {
	return stringAttr(r.dist(version), keyIntegrity)
}

// SetIntegrity writes dist.integrity for the given version, creating the
// nested documents as needed.
func (r PackageRoot) SetIntegrity(version, integrity string) {
	versions := child(r, keyVersions)
	if versions == nil {
		versions = map[string]any{}
		r[keyVersions] = versions
	}
	versionDoc := child(versions, version)
	if versionDoc == nil {
		versionDoc = map[string]any{}
		versions[version] = versionDoc
	}
	dist := child(versionDoc, keyDist)
	if dist == nil {
		dist = map[string]any{}
		versionDoc[keyDist] = dist
	}
	dist[keyIntegrity] = integrity
}

// Latest returns the version the "latest" dist-tag points at, or "".
func (r PackageRoot) Latest() string {
	return stringAttr(child(r, keyDistTags), keyLatest)
}

// SetLatest points the "latest" dist-tag at the given version, creating the
// dist-tags document as needed.
func (r PackageRoot) SetLatest(version string) {
	tags := child(r, keyDistTags)
	if tags == nil {
		tags = map[string]any{}
		r[keyDistTags] = tags
	}
	tags[keyLatest] = version
}

// TarballPath returns the repository-relative path of a version's tarball
// asset, e.g. "@types/node/-/node-1.0.0.tgz". The scope is not part of the
// file name.
func TarballPath(name, version string) string {
	fileName := name
	if _, unscoped, ok := splitScope(name); ok {
		fileName = unscoped
	}
	return name + "/-/" + fileName + "-" + version + ".tgz"
}

func (r PackageRoot) dist(version string) map[string]any {
	return child(child(child(r, keyVersions), version), keyDist)
}

func child(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	c, _ := m[key].(map[string]any)
	return c
}
