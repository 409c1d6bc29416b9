package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteTextfile(t *testing.T) {
	if err := WriteTextfile(""); err != nil {
		t.Errorf("empty path: %v", err)
	}

	AnomalyVerdicts.WithLabelValues("Normal").Inc()
	path := filepath.Join(t.TempDir(), "meterwatch.prom")
	if err := WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `meterwatch_anomaly_verdicts_total{verdict="Normal"}`) {
		t.Errorf("textfile missing verdict counter:\n%s", data)
	}

	if err := WriteTextfile(filepath.Join(t.TempDir(), "missing", "dir", "x.prom")); err == nil {
		t.Error("write into missing directory succeeded")
	}
}
