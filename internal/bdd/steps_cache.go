package bdd

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cucumber/godog"
	"github.com/vltx-lol/vltx/internal/testutil/cucumber"
)

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		c := &cacheSteps{s: s}
		ctx.Step(`^I record the current cache metrics$`, c.iRecordTheCurrentCacheMetrics)
		ctx.Step(`^the cache hit count should have increased by at least (\d+)$`, c.theCacheHitCountShouldHaveIncreasedByAtLeast)
	})
}

type cacheSteps struct {
	s              *cucumber.TestScenario
	lastHitCount   float64
	hitCountCached bool
}

func (c *cacheSteps) iRecordTheCurrentCacheMetrics() error {
	hits, err := c.scrape("vltx_cache_hits_total")
	if err != nil {
		return err
	}
	c.lastHitCount = hits
	c.hitCountCached = true
	return nil
}

func (c *cacheSteps) theCacheHitCountShouldHaveIncreasedByAtLeast(minIncrease int) error {
	if !c.hitCountCached {
		return fmt.Errorf("cache metrics were not recorded; call 'I record the current cache metrics' first")
	}
	hits, err := c.scrape("vltx_cache_hits_total")
	if err != nil {
		return err
	}
	if hits-c.lastHitCount < float64(minIncrease) {
		return fmt.Errorf("cache hits increased by %v, expected at least %d", hits-c.lastHitCount, minIncrease)
	}
	return nil
}

// scrape reads one unlabelled-series sample from /metrics. Constant labels
// are allowed; a missing series reads as zero.
func (c *cacheSteps) scrape(metric string) (float64, error) {
	resp, err := http.Get(c.s.Suite.APIURL + "/metrics")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, metric+" ") && !strings.HasPrefix(line, metric+"{") {
			continue
		}
		fields := strings.Fields(line)
		return strconv.ParseFloat(fields[len(fields)-1], 64)
	}
	return 0, sc.Err()
}
