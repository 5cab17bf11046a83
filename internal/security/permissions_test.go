package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateSecureFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foliodeploy.log")

	f, err := CreateSecureFile(path, PermLogFile)
	if err != nil {
		t.Fatalf("CreateSecureFile() error = %v", err)
	}
	if _, err := f.WriteString("first\n"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	f.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if got := info.Mode().Perm(); got != PermLogFile {
		t.Errorf("permissions = %04o, want %04o", got, PermLogFile)
	}

	// Reopening appends instead of truncating
	f, err = CreateSecureFile(path, PermLogFile)
	if err != nil {
		t.Fatalf("CreateSecureFile() reopen error = %v", err)
	}
	f.WriteString("second\n")
	f.Close()

	data, _ := os.ReadFile(path)
	if string(data) != "first\nsecond\n" {
		t.Errorf("content = %q, want both lines", string(data))
	}
}

func TestCreateSecureDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "nested")

	if err := CreateSecureDir(path, PermDirectory); err != nil {
		t.Fatalf("CreateSecureDir() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("expected a directory")
	}
	if got := info.Mode().Perm(); got != PermDirectory {
		t.Errorf("permissions = %04o, want %04o", got, PermDirectory)
	}
}

func TestEnsureSecurePermissions(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		perm    os.FileMode
		want    os.FileMode
		wantErr bool
	}{
		{"key exact", 0600, PermPrivateKey, false},
		{"key stricter", 0400, PermPrivateKey, false},
		{"key group readable", 0640, PermPrivateKey, true},
		{"key world readable", 0644, PermPrivateKey, true},
		{"db exact", 0640, PermDBFile, false},
		{"db world readable", 0644, PermDBFile, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name)
			if err := os.WriteFile(path, []byte("x"), tt.perm); err != nil {
				t.Fatalf("write failed: %v", err)
			}
			if err := os.Chmod(path, tt.perm); err != nil {
				t.Fatalf("chmod failed: %v", err)
			}

			err := EnsureSecurePermissions(path, tt.want)
			if (err != nil) != tt.wantErr {
				t.Errorf("EnsureSecurePermissions() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestIsWorldReadableWritable(t *testing.T) {
	tests := []struct {
		perm     os.FileMode
		readable bool
		writable bool
	}{
		{0600, false, false},
		{0640, false, false},
		{0644, true, false},
		{0666, true, true},
		{0602, false, true},
	}

	for _, tt := range tests {
		if got := IsWorldReadable(tt.perm); got != tt.readable {
			t.Errorf("IsWorldReadable(%04o) = %v, want %v", tt.perm, got, tt.readable)
		}
		if got := IsWorldWritable(tt.perm); got != tt.writable {
			t.Errorf("IsWorldWritable(%04o) = %v, want %v", tt.perm, got, tt.writable)
		}
	}
}

func TestValidateSecurePermissions(t *testing.T) {
	dir := t.TempDir()

	secure := filepath.Join(dir, "secure")
	os.WriteFile(secure, []byte("x"), 0600)
	os.Chmod(secure, 0600)
	if err := ValidateSecurePermissions(secure); err != nil {
		t.Errorf("ValidateSecurePermissions() on 0600 error = %v", err)
	}

	open := filepath.Join(dir, "open")
	os.WriteFile(open, []byte("x"), 0644)
	os.Chmod(open, 0644)
	if err := ValidateSecurePermissions(open); err == nil {
		t.Error("ValidateSecurePermissions() on 0644 should fail")
	}

	if err := ValidateSecurePermissions(filepath.Join(dir, "missing")); err == nil {
		t.Error("ValidateSecurePermissions() on missing file should fail")
	}
}
