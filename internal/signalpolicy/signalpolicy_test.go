package signalpolicy

import (
	"testing"

	"github.com/corewire/dbgengine/internal/config"
)

func TestGetSignalConfigFallsBackToDefault(t *testing.T) {
	table := New(config.Default(), nil)
	got := table.GetSignalConfig(11) // SIGSEGV, never configured
	if got != defaultDisposition {
		t.Fatalf("GetSignalConfig(unconfigured) = %+v, want default %+v", got, defaultDisposition)
	}
}

func TestSetSignalConfigOverridesAndPersists(t *testing.T) {
	table := New(config.Default(), nil)
	want := Disposition{Intercept: true, Pass: false, Report: true}
	if err := table.SetSignalConfig(5, want); err != nil {
		t.Fatalf("SetSignalConfig: %v", err)
	}
	got := table.GetSignalConfig(5)
	if got != want {
		t.Fatalf("GetSignalConfig(5) = %+v, want %+v", got, want)
	}
}

func TestSeededFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Signals = map[int]config.SignalEntry{
		10: {Intercept: true, Pass: true, Report: false},
	}
	table := New(cfg, nil)
	got := table.GetSignalConfig(10)
	want := Disposition{Intercept: true, Pass: true, Report: false}
	if got != want {
		t.Fatalf("GetSignalConfig(10) = %+v, want %+v", got, want)
	}
}

func TestGetAllSignalConfigsIsIndependentCopy(t *testing.T) {
	table := New(config.Default(), nil)
	if err := table.SetSignalConfig(2, Disposition{Pass: true}); err != nil {
		t.Fatalf("SetSignalConfig: %v", err)
	}
	snapshot := table.GetAllSignalConfigs()
	snapshot[2] = Disposition{Intercept: true}

	got := table.GetSignalConfig(2)
	if got.Intercept {
		t.Fatal("mutating the snapshot returned by GetAllSignalConfigs must not affect the live table")
	}
}

func TestConfiguredSignalsSortedAscending(t *testing.T) {
	table := New(config.Default(), nil)
	_ = table.SetSignalConfig(17, Disposition{Pass: true})
	_ = table.SetSignalConfig(2, Disposition{Pass: true})
	_ = table.SetSignalConfig(9, Disposition{Pass: true})

	got := table.ConfiguredSignals()
	want := []int{2, 9, 17}
	if len(got) != len(want) {
		t.Fatalf("ConfiguredSignals() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ConfiguredSignals() = %v, want %v", got, want)
		}
	}
}
