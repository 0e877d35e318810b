// Package content provides digest and manifest inspection utilities.
//
// Manifests are treated as opaque JSON documents. Referenced blob digests are
// extracted by scanning for "digest" fields rather than parsing the schema,
// which keeps the scan tolerant of manifest format variation (Docker schema2,
// OCI v1, image indexes).
package content

import (
	"encoding/json"
	"regexp"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// MediaTypeDockerManifest is the Docker schema2 manifest media type, the
// default when a manifest carries no mediaType field of its own.
const MediaTypeDockerManifest = "application/vnd.docker.distribution.manifest.v2+json"

// SupportedManifestTypes are the Content-Type values accepted on manifest push.
var SupportedManifestTypes = map[string]bool{
	MediaTypeDockerManifest:      true,
	ocispec.MediaTypeImageManifest: true,
}

var digestFieldRe = regexp.MustCompile(`"digest"\s*:\s*"([^"]+)"`)

// ExtractDigests scans manifest bytes for "digest" fields and returns every
// well-formed sha256 digest found, deduplicated, in first-seen order.
// Values with other algorithms or malformed hex are ignored.
func ExtractDigests(manifest []byte) []digest.Digest {
	matches := digestFieldRe.FindAllSubmatch(manifest, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[digest.Digest]struct{}, len(matches))
	var result []digest.Digest
	for _, m := range matches {
		d, err := digest.Parse(string(m[1]))
		if err != nil || d.Algorithm() != digest.SHA256 {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		result = append(result, d)
	}
	return result
}

// InferMediaType reads the top-level mediaType field from manifest bytes.
// Returns the Docker schema2 manifest type when the field is absent or the
// document cannot be parsed.
func InferMediaType(manifest []byte) string {
	var doc struct {
		MediaType string `json:"mediaType"`
	}
	if err := json.Unmarshal(manifest, &doc); err != nil || doc.MediaType == "" {
		return MediaTypeDockerManifest
	}
	return doc.MediaType
}

// ParseDigest validates a digest string of the form algorithm:hex.
// Only sha256 digests are accepted.
func ParseDigest(s string) (digest.Digest, error) {
	d, err := digest.Parse(s)
	if err != nil {
		return "", err
	}
	if d.Algorithm() != digest.SHA256 {
		return "", digest.ErrDigestUnsupported
	}
	return d, nil
}

// IsDigest reports whether s looks like a digest reference rather than a tag.
func IsDigest(s string) bool {
	_, err := digest.Parse(s)
	return err == nil
}
