package registry

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	logx "tgfleet/pkg/logx"
)

// writeArtifact drops a structurally valid session artifact for key.
func writeArtifact(t *testing.T, dir, key string) string {
	t.Helper()
	buf := make([]byte, 2048)
	copy(buf, sqliteMagic)
	path := filepath.Join(dir, key+artifactExt)
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(Config{Dir: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestValidateStructural(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	writeArtifact(t, r.Dir(), "+6281234567890")
	if !r.Validate("+6281234567890") {
		t.Fatal("valid artifact rejected")
	}

	// Missing file.
	if r.Validate("+0000000000") {
		t.Fatal("missing artifact accepted")
	}

	// Too small.
	small := append([]byte{}, sqliteMagic...)
	if err := os.WriteFile(filepath.Join(r.Dir(), "+111"+artifactExt), small, 0o600); err != nil {
		t.Fatal(err)
	}
	if r.Validate("+111") {
		t.Fatal("undersized artifact accepted")
	}

	// Wrong signature.
	bogus := bytes.Repeat([]byte("x"), 2048)
	if err := os.WriteFile(filepath.Join(r.Dir(), "+222"+artifactExt), bogus, 0o600); err != nil {
		t.Fatal(err)
	}
	if r.Validate("+222") {
		t.Fatal("artifact with wrong signature accepted")
	}
}

func TestListCandidates(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	writeArtifact(t, r.Dir(), "+6289999999999")
	writeArtifact(t, r.Dir(), "+6281111111111")

	// Journal files and invalid artifacts must be silently excluded.
	if err := os.WriteFile(filepath.Join(r.Dir(), "+6281111111111"+journalSuffix), []byte("journal"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(r.Dir(), "+333"+artifactExt), []byte("tiny"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(r.Dir(), "notes.txt"), []byte("hi"), 0o600); err != nil {
		t.Fatal(err)
	}

	got := r.ListCandidates()
	want := []string{"+6281111111111", "+6289999999999"}
	if len(got) != len(want) {
		t.Fatalf("candidates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidates = %v, want %v (sorted)", got, want)
		}
	}
}

func TestImport(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	src := writeArtifact(t, t.TempDir(), "+6287777777777")
	if err := r.Import(src, "+6287777777777"); err != nil {
		t.Fatalf("import: %v", err)
	}
	if !r.Validate("+6287777777777") {
		t.Fatal("imported artifact does not validate")
	}

	// Key derived from the filename when none is given.
	src2 := writeArtifact(t, t.TempDir(), "+6286666666666")
	if err := r.Import(src2, ""); err != nil {
		t.Fatalf("import with derived key: %v", err)
	}
	if !r.Validate("+6286666666666") {
		t.Fatal("derived-key import does not validate")
	}

	// An invalid source must not be committed.
	bad := filepath.Join(t.TempDir(), "+6285555555555"+artifactExt)
	if err := os.WriteFile(bad, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := r.Import(bad, "+6285555555555"); err == nil {
		t.Fatal("invalid source accepted")
	}
	if r.Validate("+6285555555555") {
		t.Fatal("invalid source was committed")
	}
}

func TestBackupAndPrune(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	writeArtifact(t, r.Dir(), "+6284444444444")
	path, err := r.Backup("+6284444444444")
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}
	// Fresh backups survive pruning.
	r.PruneBackups()
	if _, err := os.Stat(path); err != nil {
		t.Fatal("fresh backup was pruned")
	}
}

func TestNormalizePhone(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"+62 812-3456-7890", "+6281234567890"},
		{"6281234567890", "+6281234567890"},
		{"(628) 1234 567", "+6281234567"},
		{"abc", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizePhone(tt.in); got != tt.want {
			t.Fatalf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidPhone(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want bool
	}{
		{"+6281234567890", true},
		{"+12345", false},          // too short
		{"+01234567890", false},    // leading zero
		{"+123456789012345678901", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidPhone(tt.in); got != tt.want {
			t.Fatalf("ValidPhone(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestKeyFromFilename(t *testing.T) {
	t.Parallel()
	key, ok := KeyFromFilename("/data/sessions/+6281234567890.session")
	if !ok || key != "+6281234567890" {
		t.Fatalf("got %q/%v", key, ok)
	}
	if _, ok := KeyFromFilename("backup.session"); ok {
		t.Fatal("digit-free name should not yield a key")
	}
}

func TestMaskPhone(t *testing.T) {
	t.Parallel()
	if got := MaskPhone("+6281234567890"); got != "+628******7890" {
		t.Fatalf("MaskPhone = %q", got)
	}
	if got := MaskPhone("+628123"); got != "+628123" {
		t.Fatal("short keys must pass through unmasked")
	}
}
