package bdd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/cucumber/godog"
	"github.com/vltx-lol/vltx/internal/testutil/cucumber"
)

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		c := &counterSteps{s: s}
		ctx.Step(`^I POST path "([^"]*)" (\d+) times concurrently$`, c.iPostConcurrently)
		ctx.Step(`^the store should hold (\d+) counter records? for "([^"]*)"$`, c.theStoreShouldHoldCounterRecords)
	})
}

type counterSteps struct {
	s *cucumber.TestScenario
}

func (c *counterSteps) iPostConcurrently(path string, n int) error {
	url, err := c.s.URL(path)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(url, "application/json", bytes.NewReader(nil))
			if err != nil {
				errs <- err
				return
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				errs <- fmt.Errorf("POST %s: status %d", url, resp.StatusCode)
			}
		}()
	}
	wg.Wait()
	close(errs)
	if err, ok := <-errs; ok {
		return err
	}
	return nil
}

func (c *counterSteps) theStoreShouldHoldCounterRecords(expected int, handle string) error {
	if c.s.Suite.DB == nil {
		return fmt.Errorf("no test database configured")
	}
	n, err := c.s.Suite.DB.CountCounterRecords(context.Background(), handle)
	if err != nil {
		return err
	}
	if n != expected {
		return fmt.Errorf("expected %d counter records for %q, found %d", expected, handle, n)
	}
	return nil
}
