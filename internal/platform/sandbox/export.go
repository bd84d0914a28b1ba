package sandbox

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/activity/internal/platform/fhir"
)

// ExportOutputFile is one manifest output entry.
type ExportOutputFile struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Count int    `json:"count"`
}

// ExportJob is a group export. Its content is fixed at kick-off; readiness
// is driven by the number of status polls so runs are deterministic.
type ExportJob struct {
	ID            string
	GroupID       string
	ResourceTypes []string
	RequestURL    string
	CreatedAt     time.Time
	Polls         int
	Output        []ExportOutputFile

	files map[string][]byte
}

// ExportManager keeps export jobs in memory.
type ExportManager struct {
	mu         sync.Mutex
	jobs       map[string]*ExportJob
	data       *Dataset
	readyAfter int
	perFile    int
	deleted    int
}

// NewExportManager serves data. A job completes on poll number readyAfter+1;
// encounters are split into files of at most perFile lines.
func NewExportManager(data *Dataset, readyAfter, perFile int) *ExportManager {
	if perFile <= 0 {
		perFile = 1000
	}
	return &ExportManager{
		jobs:       make(map[string]*ExportJob),
		data:       data,
		readyAfter: readyAfter,
		perFile:    perFile,
	}
}

// KickOff creates a job for groupID. fileURL maps a job id and file name to
// the public download URL.
func (m *ExportManager) KickOff(groupID string, resourceTypes []string, requestURL string, fileURL func(jobID, name string) string) (*ExportJob, error) {
	if len(resourceTypes) == 0 {
		resourceTypes = []string{fhir.ResourceTypePatient, fhir.ResourceTypeEncounter}
	}

	job := &ExportJob{
		ID:            uuid.New().String(),
		GroupID:       groupID,
		ResourceTypes: resourceTypes,
		RequestURL:    requestURL,
		CreatedAt:     time.Now().UTC(),
		Output:        []ExportOutputFile{},
		files:         make(map[string][]byte),
	}

	for _, rt := range resourceTypes {
		chunks, err := m.resources(rt)
		if err != nil {
			return nil, err
		}
		for i, chunk := range chunks {
			var buf bytes.Buffer
			w := fhir.NewNDJSONWriter(&buf)
			for _, r := range chunk {
				if err := w.WriteResource(r); err != nil {
					return nil, fmt.Errorf("encoding %s: %w", rt, err)
				}
			}
			if err := w.Flush(); err != nil {
				return nil, err
			}
			name := fmt.Sprintf("%s-%d.ndjson", rt, i+1)
			job.files[name] = buf.Bytes()
			job.Output = append(job.Output, ExportOutputFile{Type: rt, URL: fileURL(job.ID, name), Count: w.Count()})
		}
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()
	return job, nil
}

func (m *ExportManager) resources(resourceType string) ([][]interface{}, error) {
	var all []interface{}
	switch resourceType {
	case fhir.ResourceTypeEncounter:
		for _, e := range m.data.Encounters {
			all = append(all, e)
		}
	case fhir.ResourceTypePatient:
		ids := make([]string, 0, len(m.data.Patients))
		for id := range m.data.Patients {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			all = append(all, m.data.Patients[id])
		}
	default:
		return nil, fmt.Errorf("%w: %s", fhir.ErrUnsupportedResource, resourceType)
	}

	var chunks [][]interface{}
	for len(all) > 0 {
		n := m.perFile
		if n > len(all) {
			n = len(all)
		}
		chunks = append(chunks, all[:n])
		all = all[n:]
	}
	return chunks, nil
}

// Poll records a status check and reports whether the job is complete.
func (m *ExportManager) Poll(jobID string) (*ExportJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, false, fmt.Errorf("export job not found: %s", jobID)
	}
	job.Polls++
	snapshot := *job
	return &snapshot, job.Polls > m.readyAfter, nil
}

// File returns an output file of a completed job.
func (m *ExportManager) File(jobID, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("export job not found: %s", jobID)
	}
	data, ok := job.files[name]
	if !ok {
		return nil, fmt.Errorf("file %s not found in export job %s", name, jobID)
	}
	return data, nil
}

// DeleteJob removes a job and its files.
func (m *ExportManager) DeleteJob(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return fmt.Errorf("export job not found: %s", jobID)
	}
	delete(m.jobs, jobID)
	m.deleted++
	return nil
}

// Active returns the number of jobs not yet deleted.
func (m *ExportManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// Deleted returns the number of jobs deleted so far.
func (m *ExportManager) Deleted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleted
}
