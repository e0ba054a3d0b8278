package bdd

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/textproto"

	"github.com/cucumber/godog"
	"github.com/vltx-lol/vltx/internal/testutil/cucumber"
)

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		u := &uploadSteps{s: s}
		ctx.Step(`^I upload (\d+) bytes of "([^"]*)" named "([^"]*)" to path "([^"]*)"$`, u.iUploadBytes)
		ctx.Step(`^I upload a multipart body without a file to path "([^"]*)"$`, u.iUploadWithoutFile)
	})
}

type uploadSteps struct {
	s *cucumber.TestScenario
}

func (u *uploadSteps) iUploadBytes(size int, contentType, filename, path string) error {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := part.Write(bytes.Repeat([]byte{0x42}, size)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return u.s.SendHTTPRequest("POST", path, body, w.FormDataContentType())
}

func (u *uploadSteps) iUploadWithoutFile(path string) error {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	if err := w.WriteField("note", "no file here"); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return u.s.SendHTTPRequest("POST", path, body, w.FormDataContentType())
}
