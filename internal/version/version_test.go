package version

import (
	"strings"
	"testing"
)

func TestGetCarriesBuildIdentity(t *testing.T) {
	info := Get()
	if info.Version != Version || info.GitCommit != GitCommit {
		t.Fatalf("info does not reflect package vars: %+v", info)
	}
	if info.GoVersion == "" || !strings.Contains(info.Platform, "/") {
		t.Fatalf("runtime fields missing: %+v", info)
	}
}

func TestStringShortForm(t *testing.T) {
	s := Info{Version: "1.2.3", GitCommit: "abc1234", GoVersion: "go1.25", Platform: "linux/amd64"}.String()
	for _, want := range []string{"1.2.3", "abc1234", "go1.25", "linux/amd64"} {
		if !strings.Contains(s, want) {
			t.Fatalf("String() = %q, missing %q", s, want)
		}
	}
}
