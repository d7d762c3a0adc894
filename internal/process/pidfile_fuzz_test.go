package process

import (
	"os"
	"path/filepath"
	"testing"
)

func FuzzReadPIDFile(f *testing.F) {
	f.Add("123\n{\"start_unix\":1}\n")
	f.Add("0\n")
	f.Add("not-a-pid\n{}\n")
	f.Add("42\n{broken")
	f.Fuzz(func(t *testing.T, content string) {
		pf := filepath.Join(t.TempDir(), "fuzz.pid")
		_ = os.WriteFile(pf, []byte(content), 0o600)
		pid, _, err := ReadPIDFile(pf)
		if err == nil && pid <= 0 {
			t.Fatalf("accepted non-positive pid %d", pid)
		}
	})
}
