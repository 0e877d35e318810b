package content

import (
	"fmt"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
)

const sampleManifest = `{
	"schemaVersion": 2,
	"mediaType": "application/vnd.docker.distribution.manifest.v2+json",
	"config": {
		"mediaType": "application/vnd.docker.container.image.v1+json",
		"size": 7023,
		"digest": "sha256:b5b2b2c507a0944348e0303114d8d93aaaa081732b86451d9bce1f432a537bc7"
	},
	"layers": [
		{
			"mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip",
			"size": 32654,
			"digest": "sha256:e692418e4cbaf90ca69d05a66403747baa33ee08806650b51fab815ad7fc331f"
		},
		{
			"mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip",
			"size": 16724,
			"digest": "sha256:3c3a4604a545cdc127456d94e421cd355bca5b528f4a9c1905b15da2eb4a4c6b"
		}
	]
}`

func TestExtractDigests(t *testing.T) {
	got := ExtractDigests([]byte(sampleManifest))
	want := []digest.Digest{
		"sha256:b5b2b2c507a0944348e0303114d8d93aaaa081732b86451d9bce1f432a537bc7",
		"sha256:e692418e4cbaf90ca69d05a66403747baa33ee08806650b51fab815ad7fc331f",
		"sha256:3c3a4604a545cdc127456d94e421cd355bca5b528f4a9c1905b15da2eb4a4c6b",
	}
	if len(got) != len(want) {
		t.Fatalf("got %d digests, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("digest %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestExtractDigestsDeduplicates(t *testing.T) {
	d := digest.FromString("layer")
	doc := fmt.Sprintf(`{"layers":[{"digest":%q},{"digest":%q}]}`, d, d)
	got := ExtractDigests([]byte(doc))
	if len(got) != 1 || got[0] != d {
		t.Errorf("expected single deduplicated digest, got %v", got)
	}
}

func TestExtractDigestsIgnoresJunk(t *testing.T) {
	doc := `{
		"config": {"digest": "sha512:` + strings.Repeat("a", 128) + `"},
		"layers": [
			{"digest": "not-a-digest"},
			{"digest": "sha256:tooshort"},
			{"digest": ""}
		]
	}`
	if got := ExtractDigests([]byte(doc)); got != nil {
		t.Errorf("expected no digests, got %v", got)
	}
}

func TestExtractDigestsTolerantOfWhitespace(t *testing.T) {
	d := digest.FromString("spaced")
	doc := fmt.Sprintf(`{"digest"  :  %q}`, d)
	got := ExtractDigests([]byte(doc))
	if len(got) != 1 || got[0] != d {
		t.Errorf("whitespace variant not matched: %v", got)
	}
}

func TestInferMediaType(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"explicit docker", sampleManifest, MediaTypeDockerManifest},
		{"explicit oci", `{"mediaType": "application/vnd.oci.image.manifest.v1+json"}`, "application/vnd.oci.image.manifest.v1+json"},
		{"missing field", `{"schemaVersion": 2}`, MediaTypeDockerManifest},
		{"invalid json", `{{{`, MediaTypeDockerManifest},
		{"empty", ``, MediaTypeDockerManifest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InferMediaType([]byte(tt.body)); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseDigest(t *testing.T) {
	d := digest.FromString("hello")
	got, err := ParseDigest(d.String())
	if err != nil {
		t.Fatalf("ParseDigest: %v", err)
	}
	if got != d {
		t.Errorf("got %s, want %s", got, d)
	}

	if _, err := ParseDigest("sha512:" + strings.Repeat("ab", 64)); err == nil {
		t.Error("expected error for non-sha256 algorithm")
	}
	if _, err := ParseDigest("garbage"); err == nil {
		t.Error("expected error for malformed digest")
	}
}

func TestIsDigest(t *testing.T) {
	if !IsDigest(digest.FromString("x").String()) {
		t.Error("valid digest not recognized")
	}
	if IsDigest("latest") {
		t.Error("tag misidentified as digest")
	}
}
