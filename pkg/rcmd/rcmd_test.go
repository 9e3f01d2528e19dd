package rcmd

import (
	"strings"
	"testing"

	"gopkg.in/ini.v1"
)

func section(t *testing.T, body string) *ini.Section {
	t.Helper()
	file, err := ini.Load([]byte("[zsnapd-rcmd]\n" + body))
	if err != nil {
		t.Fatal(err)
	}
	return file.Section("zsnapd-rcmd")
}

func TestMatch(t *testing.T) {
	sec := section(t, `
preexec = ^/usr/local/bin/quiesce-db( [a-z]+)?$
postexec = ^/usr/local/bin/resume-db$
rcmd_aux0 = ^zfs list -pH -s creation -o name,creation -t snapshot [-_:./a-zA-Z0-9]+$
`)
	filter, err := Load(sec, DefaultParanoia)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	tests := []struct {
		command string
		wantKey string
		wantOK  bool
	}{
		{"/usr/local/bin/quiesce-db", "preexec", true},
		{"/usr/local/bin/quiesce-db main", "preexec", true},
		{"/usr/local/bin/resume-db", "postexec", true},
		{"zfs list -pH -s creation -o name,creation -t snapshot zpool/data", "rcmd_aux0", true},
		{"/usr/local/bin/quiesce-db; rm -rf /", "", false},
		{"zfs destroy zpool/data@202401010000", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		key, ok := filter.Match(tt.command)
		if ok != tt.wantOK || key != tt.wantKey {
			t.Errorf("Match(%q) = %q, %v; want %q, %v", tt.command, key, ok, tt.wantKey, tt.wantOK)
		}
	}
}

func TestLoadParanoia(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		wantIn string
	}{
		{
			name:   "missing start anchor",
			body:   "preexec = /usr/local/bin/quiesce-db$",
			wantIn: "does not begin with '^'",
		},
		{
			name:   "missing end anchor",
			body:   "preexec = ^/usr/local/bin/quiesce-db",
			wantIn: "does not end with '$'",
		},
		{
			name:   "dot star",
			body:   "preexec = ^/usr/local/bin/.*$",
			wantIn: "contains '.*'",
		},
		{
			name:   "bad regexp",
			body:   "preexec = ^/usr/local/bin/quiesce-db($",
			wantIn: "error parsing regexp",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(section(t, tt.body), DefaultParanoia)
			if err == nil {
				t.Fatal("Load succeeded, want rejection")
			}
			if !strings.Contains(err.Error(), tt.wantIn) {
				t.Errorf("error %q does not mention %q", err, tt.wantIn)
			}
		})
	}
}

func TestEmptyFilterRejectsEverything(t *testing.T) {
	filter, err := Load(nil, DefaultParanoia)
	if err != nil {
		t.Fatal(err)
	}
	if !filter.Empty() {
		t.Error("nil section should yield an empty filter")
	}
	if _, ok := filter.Match("zfs list"); ok {
		t.Error("empty filter matched a command")
	}
}

func TestUnknownKeysIgnored(t *testing.T) {
	sec := section(t, `
preexec = ^/bin/true$
unrelated = whatever
`)
	filter, err := Load(sec, DefaultParanoia)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if _, ok := filter.Match("/bin/true"); !ok {
		t.Error("known key should still match")
	}
}
