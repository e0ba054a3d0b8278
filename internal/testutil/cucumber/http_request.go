package cucumber

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cucumber/godog"
)

func init() {
	StepModules = append(StepModules, func(ctx *godog.ScenarioContext, s *TestScenario) {
		ctx.Step(`^the path prefix is "([^"]*)"$`, s.thePathPrefixIs)
		ctx.Step(`^I (GET|POST|OPTIONS) path "([^"]*)"$`, s.iSendRequest)
		ctx.Step(`^I (GET|POST) path "([^"]*)" with json body:$`, s.iSendRequestWithJSONBody)
		ctx.Step(`^I set the "([^"]*)" header to "([^"]*)"$`, s.iSetTheHeaderTo)
		ctx.Step(`^I wait up to "([^"]*)" seconds for a GET on path "([^"]*)" response code to match "([^"]*)"$`, s.iWaitForResponseCode)
	})
}

func (s *TestScenario) thePathPrefixIs(prefix string) error {
	s.PathPrefix = prefix
	return nil
}

func (s *TestScenario) iSendRequest(method, path string) error {
	return s.SendHTTPRequest(method, path, nil, "")
}

func (s *TestScenario) iSendRequestWithJSONBody(method, path string, doc *godog.DocString) error {
	body, err := s.Expand(doc.Content)
	if err != nil {
		return err
	}
	return s.SendHTTPRequest(method, path, strings.NewReader(body), "application/json")
}

// URL resolves path against the suite's API URL. Absolute URLs pass through.
func (s *TestScenario) URL(path string) (string, error) {
	expanded, err := s.Expand(path)
	if err != nil {
		return "", err
	}
	if u, err := url.Parse(expanded); err == nil && u.Scheme != "" {
		return expanded, nil
	}
	return s.Suite.APIURL + s.PathPrefix + expanded, nil
}

// SendHTTPRequest sends body to path and records the response in the session.
// contentType applies unless a header step already set one.
func (s *TestScenario) SendHTTPRequest(method, path string, body io.Reader, contentType string) error {
	session := s.Session()
	session.reset()

	target, err := s.URL(path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(context.Background(), method, target, body)
	if err != nil {
		return err
	}

	// Headers set by steps apply to the next request only.
	req.Header = session.Header
	session.Header = http.Header{}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := session.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	session.Resp = resp
	session.RespBytes, err = io.ReadAll(resp.Body)
	return err
}

func (s *TestScenario) iSetTheHeaderTo(name, value string) error {
	expanded, err := s.Expand(value)
	if err != nil {
		return err
	}
	s.Session().Header.Set(name, expanded)
	return nil
}

func (s *TestScenario) iWaitForResponseCode(timeout float64, path string, expected int) error {
	deadline := time.Now().Add(time.Duration(timeout * float64(time.Second)))
	interval := max(time.Duration(timeout*float64(time.Second))/20, 50*time.Millisecond)
	for {
		err := s.iSendRequest(http.MethodGet, path)
		if err == nil {
			err = s.theResponseCodeShouldBe(expected)
		}
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("condition not met after %.f seconds: %w", timeout, err)
		}
		time.Sleep(interval)
	}
}
