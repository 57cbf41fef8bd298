package domain

import "testing"

func TestChooseCodec(t *testing.T) {
	cases := []struct {
		name         string
		size         int64
		isExecutable bool
		want         CompressionCodec
	}{
		{"tiny", 100, false, CodecNone},
		{"just under small threshold", smallObjectThreshold - 1, false, CodecNone},
		{"mid size", 1 << 20, false, CodecHighRatio},
		{"huge", largeObjectThreshold, false, CodecFast},
		{"small executable still uncompressed", 100, true, CodecNone},
		{"mid executable forces fast", 1 << 20, true, CodecFast},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ChooseCodec(tc.size, tc.isExecutable); got != tc.want {
				t.Errorf("ChooseCodec(%d, %v) = %q, want %q", tc.size, tc.isExecutable, got, tc.want)
			}
		})
	}
}

func TestBlobIDDirRest(t *testing.T) {
	id := BlobID("ab" + "cd1234")
	if id.Dir() != "ab" {
		t.Errorf("Dir() = %q, want %q", id.Dir(), "ab")
	}
	if id.Rest() != "cd1234" {
		t.Errorf("Rest() = %q, want %q", id.Rest(), "cd1234")
	}
}

func TestManifestBlobIDsDeduped(t *testing.T) {
	m := &Manifest{
		Kind: KindContainerLayers,
		Entries: []ManifestEntry{
			{Path: "a", Blob: "x"},
			{Path: "b", Blob: "x"},
			{Path: "c", Blob: "y"},
		},
	}
	got := m.BlobIDs()
	if len(got) != 2 {
		t.Fatalf("BlobIDs() = %v, want 2 distinct ids", got)
	}
}
