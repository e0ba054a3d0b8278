package cucumber

import (
	"fmt"
	"strings"

	"github.com/cucumber/godog"
	"github.com/itchyny/gojq"
)

func init() {
	StepModules = append(StepModules, func(ctx *godog.ScenarioContext, s *TestScenario) {
		ctx.Step(`^the response code should be (\d+)$`, s.theResponseCodeShouldBe)
		ctx.Step(`^the response should match json:$`, s.theResponseShouldMatchJSON)
		ctx.Step(`^the response should contain json:$`, s.theResponseShouldContainJSON)
		ctx.Step(`^I store the "([^"]*)" selection from the response as \${([^}]*)}$`, s.iStoreTheSelectionFromTheResponseAs)
		ctx.Step(`^the "(.*)" selection from the response should match "([^"]*)"$`, s.theSelectionFromTheResponseShouldMatch)
		ctx.Step(`^the "(.*)" selection from the response should not match "([^"]*)"$`, s.theSelectionFromTheResponseShouldNotMatch)
		ctx.Step(`^the "(.*)" selection from the response should start with "([^"]*)"$`, s.theSelectionFromTheResponseShouldStartWith)
		ctx.Step(`^the response header "([^"]*)" should match "([^"]*)"$`, s.theResponseHeaderShouldMatch)
		ctx.Step(`^\${([^}]*)} is not empty$`, s.variableIsNotEmpty)
	})
}

func (s *TestScenario) theResponseCodeShouldBe(expected int) error {
	session := s.Session()
	if session.Resp == nil {
		return fmt.Errorf("no HTTP response available")
	}
	if actual := session.Resp.StatusCode; expected != actual {
		return fmt.Errorf("expected response code to be: %d, but actual is: %d, body: %s", expected, actual, string(session.RespBytes))
	}
	return nil
}

func (s *TestScenario) responseBody() (string, error) {
	session := s.Session()
	if len(session.RespBytes) == 0 {
		return "", fmt.Errorf("got an empty response from server, expected a json body")
	}
	return string(session.RespBytes), nil
}

func (s *TestScenario) theResponseShouldMatchJSON(expected *godog.DocString) error {
	body, err := s.responseBody()
	if err != nil {
		return err
	}
	return s.JSONMustMatch(body, expected.Content, true)
}

func (s *TestScenario) theResponseShouldContainJSON(expected *godog.DocString) error {
	body, err := s.responseBody()
	if err != nil {
		return err
	}
	return s.JSONMustContain(body, expected.Content, true)
}

// selectFromResponse returns the first value the jq selector yields on the
// response body.
func (s *TestScenario) selectFromResponse(selector string) (any, error) {
	doc, err := s.Session().RespJSON()
	if err != nil {
		return nil, err
	}
	query, err := gojq.Parse(selector)
	if err != nil {
		return nil, err
	}
	value, found := query.Run(doc).Next()
	if !found {
		return nil, fmt.Errorf("response JSON does not have node that matches selector: %s", selector)
	}
	if err, ok := value.(error); ok {
		return nil, fmt.Errorf("selector %s: %w", selector, err)
	}
	return value, nil
}

func selectionString(value any) string {
	if value == nil {
		return "null"
	}
	return fmt.Sprintf("%v", value)
}

func (s *TestScenario) iStoreTheSelectionFromTheResponseAs(selector, as string) error {
	value, err := s.selectFromResponse(selector)
	if err != nil {
		return err
	}
	s.Variables[as] = value
	return nil
}

func (s *TestScenario) theSelectionFromTheResponseShouldMatch(selector, expected string) error {
	value, err := s.selectFromResponse(selector)
	if err != nil {
		return err
	}
	expected, err = s.Expand(expected)
	if err != nil {
		return err
	}
	if actual := selectionString(value); actual != expected {
		return fmt.Errorf("selected JSON %s does not match. expected: %v, actual: %v", selector, expected, actual)
	}
	return nil
}

func (s *TestScenario) theSelectionFromTheResponseShouldNotMatch(selector, unexpected string) error {
	value, err := s.selectFromResponse(selector)
	if err != nil {
		return err
	}
	unexpected, err = s.Expand(unexpected)
	if err != nil {
		return err
	}
	if selectionString(value) == unexpected {
		return fmt.Errorf("selected JSON %s unexpectedly matches: %v", selector, unexpected)
	}
	return nil
}

func (s *TestScenario) theSelectionFromTheResponseShouldStartWith(selector, prefix string) error {
	value, err := s.selectFromResponse(selector)
	if err != nil {
		return err
	}
	prefix, err = s.Expand(prefix)
	if err != nil {
		return err
	}
	if actual := selectionString(value); !strings.HasPrefix(actual, prefix) {
		return fmt.Errorf("selected JSON %s does not start with %q, actual: %v", selector, prefix, actual)
	}
	return nil
}

func (s *TestScenario) theResponseHeaderShouldMatch(header, expected string) error {
	session := s.Session()
	if session.Resp == nil {
		return fmt.Errorf("no HTTP response available")
	}
	expanded, err := s.Expand(expected)
	if err != nil {
		return err
	}
	if actual := session.Resp.Header.Get(header); expanded != actual {
		return fmt.Errorf("response header '%s' does not match expected: %v, actual: %v", header, expanded, actual)
	}
	return nil
}

func (s *TestScenario) variableIsNotEmpty(name string) error {
	value, err := s.Resolve(name)
	if err != nil {
		return err
	}
	if value == nil || value == "" {
		return fmt.Errorf("variable ${%s} is empty", name)
	}
	return nil
}
