package bdd

import (
	"context"

	"github.com/cucumber/godog"
	"github.com/vltx-lol/vltx/internal/testutil/cucumber"
)

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		// Every scenario starts from an empty store.
		ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
			if s.Suite.DB == nil {
				return ctx, nil
			}
			return ctx, s.Suite.DB.ClearAll(ctx)
		})
		ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
			if err != nil {
				if session := s.Session(); session.Resp != nil {
					s.Logf("%s: last response %d %s", sc.Name, session.Resp.StatusCode, session.RespBytes)
				}
			}
			return ctx, nil
		})
	})
}
