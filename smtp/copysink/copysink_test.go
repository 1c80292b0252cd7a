package copysink

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"oryx.ink/email"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"", None},
		{"none", None},
		{"all", All},
		{"Delivered", Delivered},
		{"errors", Errors},
	}
	for _, test := range tests {
		got, err := ParseMode(test.in)
		if err != nil || got != test.want {
			t.Errorf("ParseMode(%q) = %v, %v; want %v", test.in, got, err, test.want)
		}
	}
	if _, err := ParseMode("sometimes"); err == nil {
		t.Error("ParseMode accepted an unknown mode")
	}
}

func TestCopyFormat(t *testing.T) {
	dir := t.TempDir()
	s := &Sink{Mode: All, Dir: dir, Logf: t.Logf}

	sender := email.NewAddress("", "s", "a")
	rcpts := []*email.Address{
		email.NewAddress("", "u", "b"),
		email.NewAddress("", "v", "b"),
	}
	s.Copy("tx/99", sender, rcpts, "", []byte("raw body octets\r\n"))

	data, err := os.ReadFile(filepath.Join(dir, "tx-99"))
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	want := "From: <s@a>\nTo: <u@b>\nTo: <v@b>\n\nraw body octets\r\n"
	if text != want {
		t.Errorf("copy = %q, want %q", text, want)
	}
}

func TestCopyErrorSuffix(t *testing.T) {
	dir := t.TempDir()
	s := &Sink{Mode: Errors, Dir: dir, Logf: t.Logf}

	s.Copy("tx1", email.Bounce(), nil, "Worked around: header: junk", []byte("x"))

	data, err := os.ReadFile(filepath.Join(dir, "tx1-err"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Error: Worked around: header: junk\n") {
		t.Errorf("copy = %q, want Error line", data)
	}
}

func TestCopyModeFilters(t *testing.T) {
	dir := t.TempDir()

	s := &Sink{Mode: Delivered, Dir: dir, Logf: t.Logf}
	s.Copy("t1", email.Bounce(), nil, "some error", []byte("x"))
	s = &Sink{Mode: Errors, Dir: dir, Logf: t.Logf}
	s.Copy("t2", email.Bounce(), nil, "", []byte("x"))
	s = &Sink{Mode: None, Dir: dir, Logf: t.Logf}
	s.Copy("t3", email.Bounce(), nil, "", []byte("x"))

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("filtered copies were written: %v", entries)
	}
}

func TestCopyOpenFailureIsBestEffort(t *testing.T) {
	var logged bool
	s := &Sink{
		Mode: All,
		Dir:  filepath.Join(t.TempDir(), "does", "not", "exist"),
		Logf: func(format string, v ...interface{}) { logged = true },
	}
	s.Copy("t1", email.Bounce(), nil, "", []byte("x"))
	if !logged {
		t.Error("open failure was not logged as a disaster")
	}
}
