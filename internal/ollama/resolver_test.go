package ollama

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		in   string
		want Ref
	}{
		{"llama3", Ref{DefaultRegistry, DefaultNamespace, "llama3", "latest"}},
		{"llama3:8b", Ref{DefaultRegistry, DefaultNamespace, "llama3", "8b"}},
		{"model:v1.0", Ref{DefaultRegistry, DefaultNamespace, "model", "v1.0"}},
		{"user/tiny:q4", Ref{DefaultRegistry, "user", "tiny", "q4"}},
		{"hf.co/org/repo:Q8_0", Ref{"hf.co", "org", "repo", "Q8_0"}},
		{"localhost:5000/ns/model", Ref{"localhost:5000", "ns", "model", "latest"}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRef(tt.in)
			if err != nil {
				t.Fatalf("ParseRef(%q) failed: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseRef(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseRefInvalid(t *testing.T) {
	for _, in := range []string{"", "a/b/c/d", "model:", "../etc:passwd", "ns//model"} {
		if _, err := ParseRef(in); err == nil {
			t.Errorf("ParseRef(%q) should fail", in)
		}
	}
}

func TestGetOllamaDir(t *testing.T) {
	t.Setenv("OLLAMA_MODELS", "/custom/ollama/models")
	dir, err := GetOllamaDir()
	if err != nil {
		t.Fatalf("GetOllamaDir() failed: %v", err)
	}
	if dir != "/custom/ollama/models" {
		t.Errorf("expected env override, got %s", dir)
	}

	t.Setenv("OLLAMA_MODELS", "")
	dir, err = GetOllamaDir()
	if err != nil {
		t.Fatalf("GetOllamaDir() failed: %v", err)
	}
	home, _ := os.UserHomeDir()
	if want := filepath.Join(home, ".ollama", "models"); dir != want {
		t.Errorf("expected %s, got %s", want, dir)
	}
}

// installModel lays out a models directory the way `ollama pull` does.
func installModel(t *testing.T, dir, name, tag string, manifest string, blob []byte) {
	t.Helper()
	mdir := filepath.Join(dir, "manifests", DefaultRegistry, DefaultNamespace, name)
	if err := os.MkdirAll(mdir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(mdir, tag), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}
	if blob == nil {
		return
	}
	bdir := filepath.Join(dir, "blobs")
	if err := os.MkdirAll(bdir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bdir, "sha256-abc123"), blob, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	installModel(t, dir, "tiny", "latest", `{
		"schemaVersion": 2,
		"layers": [
			{"mediaType": "application/vnd.ollama.image.config", "digest": "sha256:cfg", "size": 10},
			{"mediaType": "application/vnd.ollama.image.model", "digest": "sha256:abc123", "size": 4}
		]
	}`, []byte("GGUF"))

	r, err := NewResolver(dir)
	if err != nil {
		t.Fatal(err)
	}

	b, err := r.Resolve("tiny")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if want := filepath.Join(dir, "blobs", "sha256-abc123"); b.Path != want {
		t.Errorf("expected %s, got %s", want, b.Path)
	}
	if b.Digest != "sha256:abc123" || b.Size != 4 {
		t.Errorf("unexpected blob %+v", b)
	}
	if b.Ref.Tag != "latest" {
		t.Errorf("expected default tag, got %s", b.Ref.Tag)
	}
}

func TestResolveErrors(t *testing.T) {
	dir := t.TempDir()
	installModel(t, dir, "nolayer", "latest", `{"schemaVersion": 2, "layers": []}`, nil)
	installModel(t, dir, "noblob", "latest", `{"layers": [{"mediaType": "application/vnd.ollama.image.model", "digest": "sha256:missing"}]}`, nil)
	installModel(t, dir, "short", "latest", `{"layers": [{"mediaType": "application/vnd.ollama.image.model", "digest": "sha256:abc123", "size": 99}]}`, []byte("GGUF"))
	installModel(t, dir, "broken", "latest", `{`, nil)

	r := &Resolver{Dir: dir}
	tests := []struct {
		ref  string
		want string
	}{
		{"absent", "manifest not found"},
		{"nolayer", "no model layer"},
		{"noblob", "blob not found"},
		{"short", "manifest says 99"},
		{"broken", "failed to parse"},
		{"a/b/c/d", "invalid model reference"},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			_, err := r.Resolve(tt.ref)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestResolveModelPathUsesEnv(t *testing.T) {
	t.Setenv("OLLAMA_MODELS", t.TempDir())
	if _, err := ResolveModelPath("nonexistentmodel:latest"); err == nil {
		t.Error("expected error for non-existent model")
	}
}
