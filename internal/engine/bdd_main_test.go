package engine

import (
	"context"
	"testing"

	"github.com/cucumber/godog"
)

func runEngineSuite(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: func(s *godog.ScenarioContext) {
			ctx := &engineBDDTestContext{}

			// Stop the engine and close the webhook stubs after every scenario.
			s.After(func(stdCtx context.Context, sc *godog.Scenario, scenarioErr error) (context.Context, error) {
				if err := ctx.reset(); err != nil && scenarioErr == nil {
					scenarioErr = err
				}
				return stdCtx, scenarioErr
			})

			// Background
			s.Given(`^a running timer engine$`, ctx.aRunningTimerEngine)

			// Timer setup
			s.When(`^I create an HTTP timer due in (\d+)ms$`, ctx.iCreateAnHTTPTimerDueIn)
			s.When(`^I create an HTTP timer due in (\d+)ms against an endpoint answering (\d+)$`, ctx.iCreateAnHTTPTimerDueInAnswering)
			s.When(`^I create a pub timer for topic "([^"]*)" due in (\d+)ms$`, ctx.iCreateAPubTimerForTopicDueIn)

			// Mid-flight actions
			s.When(`^I cancel it before it fires$`, ctx.iCancelItBeforeItFires)
			s.When(`^I reschedule it to fire (\d+)ms later against a second webhook$`, ctx.iRescheduleItAgainstASecondWebhook)
			s.When(`^I wait past its original fire time$`, ctx.iWaitPastItsOriginalFireTime)

			// Outcomes
			s.Then(`^the stored timer ends with status "([^"]*)"$`, ctx.theStoredTimerEndsWithStatus)
			s.Then(`^the webhook receives exactly (\d+) requests?$`, ctx.theWebhookReceivesExactly)
			s.Then(`^the second webhook receives exactly (\d+) requests?$`, ctx.theSecondWebhookReceivesExactly)
			s.Then(`^the executed timestamp is recorded$`, ctx.theExecutedTimestampIsRecorded)
			s.Then(`^the stored error is "([^"]*)"$`, ctx.theStoredErrorIs)
			s.Then(`^the timer fired no earlier than its rescheduled time$`, ctx.theTimerFiredNoEarlierThanItsRescheduledTime)
			s.Then(`^exactly (\d+) message(?:s)? (?:is|are) published to subject "([^"]*)"$`, ctx.messagesArePublishedToSubject)
		},
		Options: &godog.Options{
			Format:   "progress",
			Paths:    []string{"features/engine.feature"},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

func TestEngineBDD(t *testing.T) { runEngineSuite(t) }
