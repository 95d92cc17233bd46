package ignorelist

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileIsEmpty(t *testing.T) {
	l, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.Seen("anything") {
		t.Fatalf("empty list reported a hit")
	}
}

func TestLoadMalformedFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ignore.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatalf("setup: %v", err)
	}
	l, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.Seen("x") {
		t.Fatalf("malformed file should yield an empty list")
	}
}

func TestSeenMarksEntrySeen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ignore.json")
	if err := os.WriteFile(path, []byte(`["uid1","uid2"]`), 0o600); err != nil {
		t.Fatalf("setup: %v", err)
	}
	l, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if !l.Seen("uid1") {
		t.Fatalf("expected uid1 to be on the list")
	}
	if l.Seen("uid3") {
		t.Fatalf("uid3 was never on the list")
	}

	savePath := filepath.Join(t.TempDir(), "saved.json")
	if err := l.Save(savePath); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, err := Load(savePath)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.Seen("uid1") {
		t.Fatalf("uid1 should have survived the save, it was looked up")
	}
	if reloaded.Seen("uid2") {
		t.Fatalf("uid2 was never looked up and should have been pruned")
	}
}

func TestAddSurvivesImmediateSave(t *testing.T) {
	l := &List{}
	l.Add("new-uid")

	path := filepath.Join(t.TempDir(), "ignore.json")
	if err := l.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.Seen("new-uid") {
		t.Fatalf("added uid should have survived the very next save")
	}
}
