package utils

import "testing"

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"a.png":            "a.png",
		"../../etc/passwd": "passwd",
		`..\..\boot.ini`:   "boot.ini",
		"dir/..":           "",
		"..":               "",
		"photo..v2.png":    "photo..v2.png",
		"a/b/..hidden":     "..hidden",
		"":                 "",
		"/":                "",
		" spaced.txt ":     "spaced.txt",
	}
	for in, want := range tests {
		if got := SanitizeFilename(in); got != want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMediaFileName(t *testing.T) {
	tests := []struct {
		url    string
		format string
		want   string
	}{
		{"https://cdn/img.jpg?format=jpg", "jpg", "img.jpg"},
		{"https://pbs.twimg.com/media/GabcXYZ?format=png&name=orig", "png", "GabcXYZ.png"},
		{"https://video.twimg.com/ext_tw_video/1/pu/vid/720x1280/clip.mp4?tag=12", "", "clip.mp4"},
		{"https://cdn/a.webp", ".jpg", "a.jpg"},
	}
	for _, tt := range tests {
		got, err := MediaFileName(tt.url, tt.format)
		if err != nil {
			t.Fatalf("MediaFileName(%q): %v", tt.url, err)
		}
		if got != tt.want {
			t.Errorf("MediaFileName(%q, %q) = %q, want %q", tt.url, tt.format, got, tt.want)
		}
	}
}

func TestMediaFileNameWithoutPath(t *testing.T) {
	if _, err := MediaFileName("https://cdn.example/", "jpg"); err == nil {
		t.Fatal("expected error for url without file name")
	}
}

func TestMediaFileNameRejectsBadFormat(t *testing.T) {
	for _, format := range []string{"/../../../../escaped", `..\x`, "jp g", "a/b", ".."} {
		if name, err := MediaFileName("https://cdn/img.jpg", format); err == nil {
			t.Errorf("MediaFileName(format=%q) = %q, want error", format, name)
		}
	}
}

func TestFormatParam(t *testing.T) {
	if got := FormatParam("https://cdn/img?format=jpg&name=small"); got != "jpg" {
		t.Fatalf("FormatParam = %q, want jpg", got)
	}
	if got := FormatParam("https://cdn/img.png"); got != "" {
		t.Fatalf("FormatParam = %q, want empty", got)
	}
}
