package platform

import (
	"runtime"
	"testing"
)

func TestDetectIsStable(t *testing.T) {
	first := Detect()
	if first == Unknown && (runtime.GOOS == "linux" || runtime.GOOS == "darwin") {
		t.Errorf("Detect() = %v on %s", first, runtime.GOOS)
	}
	if second := Detect(); second != first {
		t.Errorf("Detect() changed between calls: %v then %v", first, second)
	}
}

func TestStringCoversAllPlatforms(t *testing.T) {
	for _, p := range []Platform{MacOS, Linux, WSL1, WSL2, Windows, Unknown} {
		if p.String() == "" {
			t.Errorf("%q has no display name", string(p))
		}
	}
}
