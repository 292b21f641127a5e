package fsutil

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func exercise(t *testing.T, fsys FileSystem, root string) {
	t.Helper()

	dir := filepath.Join(root, "temp_scene")
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	for _, name := range []string{"00001.jpg", "00000.jpg"} {
		w, err := fsys.Create(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := io.WriteString(w, name); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	names, err := fsys.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if diff := cmp.Diff([]string{"00000.jpg", "00001.jpg"}, names); diff != "" {
		t.Errorf("ReadDir mismatch (-want +got):\n%s", diff)
	}

	data, err := fsys.ReadFile(filepath.Join(dir, "00001.jpg"))
	if err != nil || string(data) != "00001.jpg" {
		t.Errorf("ReadFile = %q, %v", data, err)
	}

	if !fsys.Exists(dir) {
		t.Error("directory should exist")
	}
	if err := fsys.RemoveAll(dir); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if fsys.Exists(dir) || fsys.Exists(filepath.Join(dir, "00000.jpg")) {
		t.Error("RemoveAll left entries behind")
	}
}

func TestOSFileSystem(t *testing.T) {
	exercise(t, OSFileSystem{}, t.TempDir())
}

func TestMemoryFileSystem(t *testing.T) {
	exercise(t, NewMemoryFileSystem(), "/captures")
}

func TestMemoryFileSystemMissing(t *testing.T) {
	m := NewMemoryFileSystem()
	if _, err := m.ReadFile("/nope"); !os.IsNotExist(err) {
		t.Errorf("ReadFile missing error = %v", err)
	}
	if _, err := m.ReadDir("/nope"); !os.IsNotExist(err) {
		t.Errorf("ReadDir missing error = %v", err)
	}
}
