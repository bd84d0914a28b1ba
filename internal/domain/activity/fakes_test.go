package activity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/activity/internal/config"
	"github.com/ehr/activity/internal/platform/bulkexport"
	"github.com/ehr/activity/internal/platform/fhirclient"
)

const (
	testBase    = "https://fhir.example.org/"
	testKickoff = testBase + "R4/Group/g1/$export?_type=Encounter"
	testStatus  = "https://fhir.example.org/bulk/status/1"
)

// testNow is the fixed clock used across processor and service tests.
var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

type recordedCall struct {
	method string
	url    string
	header http.Header
}

// fakeFHIR answers requests from a route table keyed by "METHOD url". Routes
// holding several responses are consumed in order.
type fakeFHIR struct {
	mu     sync.Mutex
	routes map[string][]*fhirclient.Response
	errs   map[string]error
	calls  []recordedCall
}

func newFakeFHIR() *fakeFHIR {
	return &fakeFHIR{routes: map[string][]*fhirclient.Response{}, errs: map[string]error{}}
}

func (f *fakeFHIR) on(method, url string, responses ...*fhirclient.Response) *fakeFHIR {
	f.routes[method+" "+url] = append(f.routes[method+" "+url], responses...)
	return f
}

func (f *fakeFHIR) fail(method, url string, err error) *fakeFHIR {
	f.errs[method+" "+url] = err
	return f
}

func (f *fakeFHIR) Do(_ context.Context, method, rawURL string, _ io.Reader, header http.Header) (*fhirclient.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{method: method, url: rawURL, header: header})

	key := method + " " + rawURL
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	rs := f.routes[key]
	if len(rs) == 0 {
		return &fhirclient.Response{StatusCode: http.StatusNotFound, Header: http.Header{}}, nil
	}
	r := rs[0]
	if len(rs) > 1 {
		f.routes[key] = rs[1:]
	}
	return r, nil
}

func (f *fakeFHIR) count(method, url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.method == method && c.url == url {
			n++
		}
	}
	return n
}

func (f *fakeFHIR) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func respond(code int, body string) *fhirclient.Response {
	return &fhirclient.Response{StatusCode: code, Header: http.Header{}, Body: []byte(body)}
}

func acceptedJob() *fhirclient.Response {
	h := http.Header{}
	h.Set("Content-Location", testStatus)
	return &fhirclient.Response{StatusCode: http.StatusAccepted, Header: h}
}

func encounterLine(id, end, patientRef string) string {
	period := `{"start":"2026-10-18T08:00:00Z"}`
	if end != "" {
		period = fmt.Sprintf(`{"start":"2026-10-18T08:00:00Z","end":%q}`, end)
	}
	subject := ""
	if patientRef != "" {
		subject = fmt.Sprintf(`,"subject":{"reference":%q}`, patientRef)
	}
	return fmt.Sprintf(`{"resourceType":"Encounter","id":%q,"status":"finished","class":{"code":"AMB","display":"ambulatory"},"period":%s%s}`, id, period, subject)
}

func patientJSON(id, name string) string {
	return fmt.Sprintf(`{"resourceType":"Patient","id":%q,"name":[{"text":%q}],"birthDate":"1980-01-02","gender":"female"}`, id, name)
}

type fakeSigner struct {
	err   error
	calls int
}

func (s *fakeSigner) Sign() (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "header.claims.sig", nil
}

type fakeExchanger struct {
	token     string
	err       error
	assertion string
}

func (e *fakeExchanger) Exchange(_ context.Context, assertion string) (string, error) {
	e.assertion = assertion
	if e.err != nil {
		return "", e.err
	}
	return e.token, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestProcessor(f *fakeFHIR, mode string) *Processor {
	enricher := NewEnricher(f, testBase, zerolog.Nop())
	filter := RecencyFilter{Mode: mode, Window: 24 * time.Hour}
	return NewProcessor(f, enricher, filter, zerolog.Nop()).WithClock(func() time.Time { return testNow })
}

func newTestService(f *fakeFHIR, signer Signer, tokens TokenExchanger) *Service {
	controller := bulkexport.NewController(f, zerolog.Nop(), bulkexport.WithSleeper(noSleep))
	svc := NewService(signer, tokens, controller, newTestProcessor(f, config.RecencyModeLegacy), testKickoff, zerolog.Nop())
	svc.now = func() time.Time { return testNow }
	return svc
}
