package storage

import (
	"strings"
	"testing"
)

func TestNormalizeEndpoint(t *testing.T) {
	cases := []struct {
		raw      string
		host     string
		secure   bool
		endpoint string
	}{
		{"localhost:9000", "localhost:9000", false, "http://localhost:9000"},
		{"https://s3.example.com", "s3.example.com", true, "https://s3.example.com"},
		{"http://minio:9000/ignored", "minio:9000", false, "http://minio:9000"},
	}
	for _, tc := range cases {
		host, secure, endpoint, err := normalizeEndpoint(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if host != tc.host || secure != tc.secure || endpoint != tc.endpoint {
			t.Fatalf("%s: got %s %v %s", tc.raw, host, secure, endpoint)
		}
	}
	if _, _, _, err := normalizeEndpoint(""); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
}

func TestObjectURL(t *testing.T) {
	path, err := NewS3("localhost:9000", "a", "b", "us-east-1", "media", true, "")
	if err != nil {
		t.Fatalf("NewS3: %v", err)
	}
	if got := path.objectURL("videos/x.mp4"); got != "http://localhost:9000/media/videos/x.mp4" {
		t.Fatalf("path style url %s", got)
	}

	virtual, err := NewS3("https://s3.example.com", "a", "b", "us-east-1", "media", false, "")
	if err != nil {
		t.Fatalf("NewS3: %v", err)
	}
	if got := virtual.objectURL("videos/x.mp4"); got != "https://media.s3.example.com/videos/x.mp4" {
		t.Fatalf("virtual host url %s", got)
	}
}

func TestObjectKeyAndContentType(t *testing.T) {
	key := objectKey("/tmp/My Clip.MP4")
	if !strings.HasPrefix(key, "videos/") || !strings.HasSuffix(key, ".mp4") {
		t.Fatalf("unexpected key %s", key)
	}
	if ct := contentType("/tmp/unknown.zzz"); ct != "application/octet-stream" {
		t.Fatalf("unexpected content type %s", ct)
	}
}
