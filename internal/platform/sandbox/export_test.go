package sandbox

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/ehr/activity/internal/platform/fhir"
)

func newTestManager(readyAfter, perFile int) *ExportManager {
	cfg := SeedConfig{PatientCount: 3, EncountersPerPatient: 2, OrphanEncounters: 1, Seed: 11}
	return NewExportManager(Generate(cfg, clock), readyAfter, perFile)
}

func fileURL(jobID, name string) string {
	return fmt.Sprintf("http://sandbox/bulk/files/%s/%s", jobID, name)
}

func TestExportManager_KickOffSplitsFiles(t *testing.T) {
	m := newTestManager(0, 3)
	job, err := m.KickOff("g1", []string{fhir.ResourceTypeEncounter}, "req", fileURL)
	if err != nil {
		t.Fatalf("KickOff failed: %v", err)
	}
	// 7 encounters in files of 3.
	if len(job.Output) != 3 {
		t.Fatalf("expected 3 output files, got %d", len(job.Output))
	}
	total := 0
	for _, out := range job.Output {
		if out.Type != fhir.ResourceTypeEncounter {
			t.Errorf("unexpected type %s", out.Type)
		}
		total += out.Count
	}
	if total != 7 {
		t.Errorf("expected 7 encounters across files, got %d", total)
	}

	data, err := m.File(job.ID, "Encounter-3.ndjson")
	if err != nil {
		t.Fatalf("File failed: %v", err)
	}
	lines := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if _, err := fhir.DecodeResource(fhir.ResourceTypeEncounter, sc.Bytes()); err != nil {
			t.Errorf("line does not decode: %v", err)
		}
		lines++
	}
	if lines != 1 {
		t.Errorf("expected 1 line in last file, got %d", lines)
	}
}

func TestExportManager_DefaultTypes(t *testing.T) {
	m := newTestManager(0, 100)
	job, err := m.KickOff("g1", nil, "req", fileURL)
	if err != nil {
		t.Fatalf("KickOff failed: %v", err)
	}
	if len(job.Output) != 2 || job.Output[0].Type != fhir.ResourceTypePatient || job.Output[1].Type != fhir.ResourceTypeEncounter {
		t.Errorf("unexpected outputs %+v", job.Output)
	}
}

func TestExportManager_UnsupportedType(t *testing.T) {
	m := newTestManager(0, 100)
	_, err := m.KickOff("g1", []string{"Observation"}, "req", fileURL)
	if !errors.Is(err, fhir.ErrUnsupportedResource) {
		t.Errorf("expected ErrUnsupportedResource, got %v", err)
	}
	if m.Active() != 0 {
		t.Errorf("failed kick-off must not register a job")
	}
}

func TestExportManager_PollReadiness(t *testing.T) {
	m := newTestManager(2, 100)
	job, _ := m.KickOff("g1", nil, "req", fileURL)

	for i, want := range []bool{false, false, true, true} {
		_, ready, err := m.Poll(job.ID)
		if err != nil {
			t.Fatalf("poll %d: %v", i+1, err)
		}
		if ready != want {
			t.Errorf("poll %d: expected ready=%v", i+1, want)
		}
	}
}

func TestExportManager_Delete(t *testing.T) {
	m := newTestManager(0, 100)
	job, _ := m.KickOff("g1", nil, "req", fileURL)

	if err := m.DeleteJob(job.ID); err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}
	if m.Active() != 0 || m.Deleted() != 1 {
		t.Errorf("expected 0 active / 1 deleted, got %d / %d", m.Active(), m.Deleted())
	}
	if err := m.DeleteJob(job.ID); err == nil {
		t.Error("expected error deleting twice")
	}
	if _, _, err := m.Poll(job.ID); err == nil {
		t.Error("expected error polling deleted job")
	}
	if _, err := m.File(job.ID, "Patient-1.ndjson"); err == nil {
		t.Error("expected error reading deleted job file")
	}
}
