// Package sandbox is an in-memory FHIR bulk export server seeded with
// synthetic patients and encounters. It serves local development and the
// end-to-end tests of the activity run.
package sandbox

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/ehr/activity/internal/platform/fhir"
)

// SeedConfig controls the volume and shape of generated data.
type SeedConfig struct {
	PatientCount         int `json:"patientCount"`
	EncountersPerPatient int `json:"encountersPerPatient"`
	// OrphanEncounters reference patients that do not exist.
	OrphanEncounters int `json:"orphanEncounters"`
	// UnassignedEncounters carry no subject at all.
	UnassignedEncounters int   `json:"unassignedEncounters"`
	Seed                 int64 `json:"seed"`
}

// DefaultSeedConfig returns a small but varied data set.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		PatientCount:         10,
		EncountersPerPatient: 3,
		OrphanEncounters:     1,
		UnassignedEncounters: 1,
	}
}

var (
	firstNamesMale = []string{
		"James", "Robert", "John", "Michael", "David", "William", "Richard",
		"Joseph", "Thomas", "Christopher", "Charles", "Daniel", "Matthew",
	}
	firstNamesFemale = []string{
		"Mary", "Patricia", "Jennifer", "Linda", "Barbara", "Elizabeth",
		"Susan", "Jessica", "Sarah", "Karen", "Lisa", "Nancy", "Betty",
	}
	lastNames = []string{
		"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia",
		"Miller", "Davis", "Rodriguez", "Martinez", "Hernandez", "Lopez",
	}

	encounterClasses = []fhir.Coding{
		{System: actCodeSystem, Code: "AMB", Display: "ambulatory"},
		{System: actCodeSystem, Code: "EMER", Display: "emergency"},
		{System: actCodeSystem, Code: "IMP", Display: "inpatient encounter"},
		{System: actCodeSystem, Code: "VR", Display: "virtual"},
	}
)

const actCodeSystem = "http://terminology.hl7.org/CodeSystem/v3-ActCode"

// Encounter end times are spread over these buckets relative to the clock.
// A zero offset means the encounter is still in progress.
var endOffsets = []time.Duration{
	-2 * time.Hour,
	-20 * time.Hour,
	-3 * 24 * time.Hour,
	-30 * 24 * time.Hour,
	0,
}

// DataGenerator produces reproducible synthetic resources.
type DataGenerator struct {
	rng     *rand.Rand
	counter uint64
	now     func() time.Time
}

// NewDataGenerator returns a generator seeded for reproducibility. If seed is
// 0 a time-based seed is chosen.
func NewDataGenerator(seed int64, now func() time.Time) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if now == nil {
		now = time.Now
	}
	return &DataGenerator{rng: rand.New(rand.NewSource(seed)), now: now}
}

func (g *DataGenerator) nextID(prefix string) string {
	g.counter++
	return fmt.Sprintf("%s-%08x-%04x", prefix, g.rng.Uint32(), g.counter)
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) randomDate(minYear, maxYear int) string {
	y := minYear + g.rng.Intn(maxYear-minYear+1)
	m := 1 + g.rng.Intn(12)
	d := 1 + g.rng.Intn(28)
	return fmt.Sprintf("%04d-%02d-%02d", y, m, d)
}

// GeneratePatient produces a Patient with a single official name.
func (g *DataGenerator) GeneratePatient() *fhir.Patient {
	first, gender := g.pick(firstNamesFemale), "female"
	if g.rng.Intn(2) == 0 {
		first, gender = g.pick(firstNamesMale), "male"
	}
	last := g.pick(lastNames)
	return &fhir.Patient{
		ResourceType: fhir.ResourceTypePatient,
		ID:           g.nextID("pat"),
		Name: []fhir.HumanName{{
			Use:    "official",
			Text:   first + " " + last,
			Family: last,
			Given:  []string{first},
		}},
		BirthDate: g.randomDate(1940, 2010),
		Gender:    gender,
	}
}

// GenerateEncounter produces an Encounter for subject, which may be empty.
func (g *DataGenerator) GenerateEncounter(subject string) *fhir.Encounter {
	offset := endOffsets[g.rng.Intn(len(endOffsets))]
	now := g.now().UTC().Truncate(time.Second)

	enc := &fhir.Encounter{
		ResourceType: fhir.ResourceTypeEncounter,
		ID:           g.nextID("enc"),
		Status:       "finished",
		Class:        encounterClasses[g.rng.Intn(len(encounterClasses))],
		Period:       &fhir.Period{},
	}
	if offset == 0 {
		enc.Status = "in-progress"
		enc.Period.Start = fhir.NewDateTime(now.Add(-time.Duration(1+g.rng.Intn(5)) * time.Hour))
	} else {
		end := now.Add(offset)
		enc.Period.Start = fhir.NewDateTime(end.Add(-time.Duration(30+g.rng.Intn(120)) * time.Minute))
		enc.Period.End = fhir.NewDateTime(end)
	}
	if subject != "" {
		enc.Subject = &fhir.Reference{Reference: subject}
	}
	return enc
}

// Dataset is the generated content served by the sandbox.
type Dataset struct {
	Patients   map[string]*fhir.Patient
	Encounters []*fhir.Encounter
}

// Patient looks up a patient by id.
func (d *Dataset) Patient(id string) (*fhir.Patient, bool) {
	p, ok := d.Patients[id]
	return p, ok
}

// Generate builds a Dataset according to cfg.
func Generate(cfg SeedConfig, now func() time.Time) *Dataset {
	g := NewDataGenerator(cfg.Seed, now)
	ds := &Dataset{Patients: make(map[string]*fhir.Patient, cfg.PatientCount)}

	for i := 0; i < cfg.PatientCount; i++ {
		p := g.GeneratePatient()
		ds.Patients[p.ID] = p
		for j := 0; j < cfg.EncountersPerPatient; j++ {
			ds.Encounters = append(ds.Encounters, g.GenerateEncounter("Patient/"+p.ID))
		}
	}
	for i := 0; i < cfg.OrphanEncounters; i++ {
		ds.Encounters = append(ds.Encounters, g.GenerateEncounter("Patient/"+g.nextID("gone")))
	}
	for i := 0; i < cfg.UnassignedEncounters; i++ {
		ds.Encounters = append(ds.Encounters, g.GenerateEncounter(""))
	}
	return ds
}
