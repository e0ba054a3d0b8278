// Package cucumber runs godog feature files against a live vltx server.
//
// Step text may reference scenario state with ${...}:
//   - ${name}               a stored variable
//   - ${name.field}         a field of a stored variable (gojq path)
//   - ${response}           the last response body
//   - ${response.field}     a field of the last response body (gojq path)
//   - ${expr | pipe}        a transformation: json, string or lower
package cucumber

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/cucumber/godog/colors"
	"github.com/itchyny/gojq"
	"github.com/pmezard/go-difflib/difflib"
)

// TestDB gives steps direct access to the backing datastore.
type TestDB interface {
	// ClearAll removes every profile and counter record.
	ClearAll(ctx context.Context) error
	// CountCounterRecords returns how many counter records exist for handle.
	CountCounterRecords(ctx context.Context, handle string) (int, error)
}

// TestSuite is shared by every scenario of a run.
type TestSuite struct {
	APIURL   string
	TestingT *testing.T
	DB       TestDB
}

// NewTestSuite creates a suite that sends requests to apiURL. db may be nil.
func NewTestSuite(t *testing.T, apiURL string, db TestDB) *TestSuite {
	return &TestSuite{APIURL: strings.TrimRight(apiURL, "/"), TestingT: t, DB: db}
}

// StepModules register steps for each new scenario.
var StepModules []func(ctx *godog.ScenarioContext, s *TestScenario)

// InitializeScenario is the godog scenario initializer for the suite.
func (suite *TestSuite) InitializeScenario(ctx *godog.ScenarioContext) {
	s := &TestScenario{Suite: suite, Variables: map[string]any{}}
	for _, module := range StepModules {
		module(ctx, s)
	}
}

// DefaultOptions returns godog options for a sequential run of paths.
func DefaultOptions(paths ...string) godog.Options {
	return godog.Options{
		Output:      colors.Colored(os.Stdout),
		Format:      "progress",
		Paths:       paths,
		Randomize:   time.Now().UTC().UnixNano(),
		Concurrency: 1,
	}
}

// ApplyReportOptions writes a junit report under GODOG_REPORT_DIR when it is set.
// The returned func closes the report file.
func ApplyReportOptions(opts *godog.Options, testName string) func() {
	reportDir := os.Getenv("GODOG_REPORT_DIR")
	if reportDir == "" {
		return func() {}
	}
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return func() {}
	}
	f, err := os.Create(filepath.Join(reportDir, strings.ReplaceAll(testName, "/", "-")+".xml"))
	if err != nil {
		return func() {}
	}
	opts.Output = f
	opts.Format = "junit"
	return func() { _ = f.Close() }
}

// TestScenario holds the state of one scenario. Not accessed concurrently.
type TestScenario struct {
	Suite      *TestSuite
	PathPrefix string
	Variables  map[string]any
	session    *TestSession
}

// Logf logs through the test that owns the suite.
func (s *TestScenario) Logf(format string, args ...any) {
	s.Suite.TestingT.Logf(format, args...)
}

// Session returns the scenario's HTTP session, creating it on first use.
func (s *TestScenario) Session() *TestSession {
	if s.session == nil {
		s.session = &TestSession{Client: &http.Client{}, Header: http.Header{}}
	}
	return s.session
}

// TestSession is the HTTP side of a scenario: the pending request headers and
// the last response.
type TestSession struct {
	Client    *http.Client
	Header    http.Header
	Resp      *http.Response
	RespBytes []byte
	respJSON  any
}

func (s *TestSession) reset() {
	s.Resp = nil
	s.RespBytes = nil
	s.respJSON = nil
}

// RespJSON returns the last response body parsed as JSON.
func (s *TestSession) RespJSON() (any, error) {
	if s.respJSON == nil {
		if s.RespBytes == nil {
			return nil, fmt.Errorf("no response body")
		}
		if err := json.Unmarshal(s.RespBytes, &s.respJSON); err != nil {
			return nil, fmt.Errorf("error parsing response json: %w\njson was:\n%s", err, s.RespBytes)
		}
	}
	return s.respJSON, nil
}

// JSONMustMatch fails unless actual and expected are the same JSON document.
func (s *TestScenario) JSONMustMatch(actual, expected string, expand bool) error {
	actualDoc, expectedDoc, err := s.parsePair(actual, expected, expand)
	if err != nil {
		return err
	}
	if !reflect.DeepEqual(expectedDoc, actualDoc) {
		diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(indent(expectedDoc)),
			B:        difflib.SplitLines(indent(actualDoc)),
			FromFile: "Expected",
			ToFile:   "Actual",
			Context:  1,
		})
		return fmt.Errorf("actual does not match expected, diff:\n%s", diff)
	}
	return nil
}

// JSONMustContain fails unless every field of expected is present in actual
// with the same value. Arrays must have equal length.
func (s *TestScenario) JSONMustContain(actual, expected string, expand bool) error {
	actualDoc, expectedDoc, err := s.parsePair(actual, expected, expand)
	if err != nil {
		return err
	}
	if err := jsonSubset(expectedDoc, actualDoc, "$"); err != nil {
		return fmt.Errorf("actual does not contain expected.\n  mismatch: %s\n  expected:\n%s\n  actual:\n%s",
			err, indent(expectedDoc), indent(actualDoc))
	}
	return nil
}

func (s *TestScenario) parsePair(actual, expected string, expand bool) (any, any, error) {
	var actualDoc, expectedDoc any
	if err := json.Unmarshal([]byte(actual), &actualDoc); err != nil {
		return nil, nil, fmt.Errorf("error parsing actual json: %w\njson was:\n%s", err, actual)
	}
	if expand {
		var err error
		if expected, err = s.Expand(expected); err != nil {
			return nil, nil, err
		}
	}
	if strings.TrimSpace(expected) == "" {
		return nil, nil, fmt.Errorf("expected json not specified, actual json was:\n%s", indent(actualDoc))
	}
	if err := json.Unmarshal([]byte(expected), &expectedDoc); err != nil {
		return nil, nil, fmt.Errorf("error parsing expected json: %w\njson was:\n%s", err, expected)
	}
	return actualDoc, expectedDoc, nil
}

func jsonSubset(expected, actual any, path string) error {
	switch exp := expected.(type) {
	case nil:
		if actual != nil {
			return fmt.Errorf("at %s: expected null, got %v", path, actual)
		}
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return fmt.Errorf("at %s: expected object, got %T", path, actual)
		}
		for key, want := range exp {
			got, exists := act[key]
			if !exists {
				return fmt.Errorf("at %s: missing key %q", path, key)
			}
			if err := jsonSubset(want, got, path+"."+key); err != nil {
				return err
			}
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return fmt.Errorf("at %s: expected array, got %T", path, actual)
		}
		if len(exp) != len(act) {
			return fmt.Errorf("at %s: expected array length %d, got %d", path, len(exp), len(act))
		}
		for i := range exp {
			if err := jsonSubset(exp[i], act[i], fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	default:
		if !reflect.DeepEqual(expected, actual) {
			return fmt.Errorf("at %s: expected %v (%T), got %v (%T)", path, expected, expected, actual, actual)
		}
	}
	return nil
}

func indent(doc any) string {
	data, _ := json.MarshalIndent(doc, "", "  ")
	return string(data)
}

// Expand replaces every ${...} in value with its resolved string form.
func (s *TestScenario) Expand(value string) (result string, rerr error) {
	return os.Expand(value, func(name string) string {
		res, err := s.ResolveString(name)
		if err != nil && rerr == nil {
			rerr = err
		}
		return res
	}), rerr
}

// ResolveString resolves name and renders it as step text.
func (s *TestScenario) ResolveString(name string) (string, error) {
	value, err := s.Resolve(name)
	if err != nil {
		return "", err
	}
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Resolve evaluates a ${...} expression against the scenario variables and
// the last response.
func (s *TestScenario) Resolve(expr string) (any, error) {
	parts := strings.Split(expr, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	value, err := s.lookup(parts[0])
	for _, name := range parts[1:] {
		fn := PipeFunctions[name]
		if fn == nil {
			return nil, fmt.Errorf("unknown pipe: %s", name)
		}
		value, err = fn(value, err)
	}
	return value, err
}

func (s *TestScenario) lookup(path string) (any, error) {
	root, _, _ := strings.Cut(path, ".")
	root, _, _ = strings.Cut(root, "[")

	var env map[string]any
	if root == "response" {
		doc, err := s.Session().RespJSON()
		if err != nil {
			return nil, err
		}
		env = map[string]any{"response": doc}
	} else {
		value, ok := s.Variables[root]
		if !ok {
			return nil, fmt.Errorf("variable ${%s} not defined yet", root)
		}
		env = map[string]any{root: normalize(value)}
	}

	query, err := gojq.Parse("." + path)
	if err != nil {
		return nil, fmt.Errorf("invalid reference ${%s}: %w", path, err)
	}
	result, found := query.Run(env).Next()
	if !found {
		return nil, fmt.Errorf("${%s} not found", path)
	}
	if err, ok := result.(error); ok {
		return nil, fmt.Errorf("${%s}: %w", path, err)
	}
	return result, nil
}

// normalize converts a stored value into the plain JSON shapes gojq accepts.
func normalize(value any) any {
	switch value.(type) {
	case nil, string, bool, int, float64, map[string]any, []any:
		return value
	}
	data, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var out any
	if json.Unmarshal(data, &out) != nil {
		return value
	}
	return out
}

// PipeFunctions are the transformations available after | in a reference.
var PipeFunctions = map[string]func(any, error) (any, error){
	"json": func(value any, err error) (any, error) {
		if err != nil {
			return value, err
		}
		return indent(value), nil
	},
	"string": func(value any, err error) (any, error) {
		if err != nil {
			return value, err
		}
		return fmt.Sprintf("%v", value), nil
	},
	"lower": func(value any, err error) (any, error) {
		if err != nil {
			return value, err
		}
		return strings.ToLower(fmt.Sprintf("%v", value)), nil
	},
}
