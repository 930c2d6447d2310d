package discord

import (
	"strings"
	"testing"
)

func TestChunkMessage(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  int
	}{
		{"empty", "", 10, 0},
		{"fits", "hello", 10, 1},
		{"splits on lines", "aaaa\nbbbb\ncccc", 9, 2},
		{"hard split long line", strings.Repeat("x", 25), 10, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := chunkMessage(tt.text, tt.limit)
			if len(chunks) != tt.want {
				t.Fatalf("chunks = %d (%q), want %d", len(chunks), chunks, tt.want)
			}
			for _, c := range chunks {
				if len(c) > tt.limit {
					t.Errorf("chunk over limit: %q", c)
				}
			}
			if tt.text != "" && strings.ReplaceAll(strings.Join(chunks, "\n"), "\n", "") != strings.ReplaceAll(tt.text, "\n", "") {
				t.Errorf("content lost: %q vs %q", chunks, tt.text)
			}
		})
	}
}

func TestAttachmentKind(t *testing.T) {
	tests := []struct {
		ct   string
		want string
	}{
		{"image/png", "image"},
		{"audio/ogg", "audio"},
		{"video/mp4", "video"},
		{"application/pdf", "file"},
		{"", "file"},
	}
	for _, tt := range tests {
		if got := string(attachmentKind(tt.ct)); got != tt.want {
			t.Errorf("attachmentKind(%q) = %q, want %q", tt.ct, got, tt.want)
		}
	}
}
