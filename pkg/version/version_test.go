package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abcdef"}
	if s := v.String(); s != "Version: 1.2.3-rc1\nBuild: abcdef" {
		t.Fatalf("got %q", s)
	}
}

func TestBuildInfo(t *testing.T) {
	if s := BuildInfo(); !strings.HasPrefix(s, runtime.Version()) {
		t.Fatalf("got %q", s)
	}
}
