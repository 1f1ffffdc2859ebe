package lib

import "testing"

func TestFormatPathEmptyDefaultsToDot(t *testing.T) {
	got, err := FormatPath("")
	if err != nil {
		t.Fatalf("FormatPath: %v", err)
	}
	if got != "." {
		t.Fatalf("expected \".\", got %q", got)
	}
}

func TestFormatPathExpandsHome(t *testing.T) {
	t.Setenv("HOME", "/home/dev")
	got, err := FormatPath("~/worktrees/foo")
	if err != nil {
		t.Fatalf("FormatPath: %v", err)
	}
	if got != "/home/dev/worktrees/foo" {
		t.Fatalf("expected home-expanded path, got %q", got)
	}
}

func TestFormatPathWithoutHomeFails(t *testing.T) {
	t.Setenv("HOME", "")
	if _, err := FormatPath("~/worktrees/foo"); err == nil {
		t.Fatal("expected an error expanding ~ with no HOME set")
	}
}

func TestFormatPathCollapsesDoubleSlashes(t *testing.T) {
	got, err := FormatPath("/tmp//worktrees///foo")
	if err != nil {
		t.Fatalf("FormatPath: %v", err)
	}
	if got != "/tmp/worktrees/foo" {
		t.Fatalf("expected collapsed slashes, got %q", got)
	}
}
