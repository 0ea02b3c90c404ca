package logs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/raidpulse/errors"
	"github.com/teranos/raidpulse/raid"
)

// ============================================================================
// Log Archive Test Universe
// ============================================================================
//
// Characters:
//   - Archivist: the fake log API, answers GraphQL with canned reports
//   - Scribe: the client under test, pages, fetches and coerces
//   - Treasurer: the budget fake, counts every point the Scribe spends
//
// Theme: the Archivist keeps the logs of one guild, Echo of Tarren Mill-EU.
// ============================================================================

type treasurer struct {
	mu        sync.Mutex
	recorded  []string
	limit     float64
	spent     float64
	resetIn   time.Duration
	exhausted []time.Duration
}

func (t *treasurer) Record(_ context.Context, op string, _ float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recorded = append(t.recorded, op)
}

func (t *treasurer) Observe(limit, spent float64, resetIn time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limit, t.spent, t.resetIn = limit, spent, resetIn
}

func (t *treasurer) Exhaust(resetIn time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exhausted = append(t.exhausted, resetIn)
}

// archivist answers token requests and dispatches GraphQL by query shape.
type archivist struct {
	t       *testing.T
	answer  func(query string, vars map[string]any) (int, string)
	queries []string
	mu      sync.Mutex
}

func (a *archivist) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/oauth/token" {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"scribe-token","token_type":"bearer","expires_in":3600}`))
		return
	}
	if r.Header.Get("Authorization") != "Bearer scribe-token" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var req graphQLRequest
	require.NoError(a.t, json.NewDecoder(r.Body).Decode(&req))
	a.mu.Lock()
	a.queries = append(a.queries, req.Query)
	a.mu.Unlock()

	status, body := a.answer(req.Query, req.Variables)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func newTestClient(t *testing.T, answer func(string, map[string]any) (int, string)) (*Client, *treasurer, *archivist) {
	t.Helper()
	arch := &archivist{t: t, answer: answer}
	srv := httptest.NewServer(arch)
	t.Cleanup(srv.Close)

	budget := &treasurer{}
	c := New(Config{
		APIURL:            srv.URL + "/api/v2/client",
		TokenURL:          srv.URL + "/oauth/token",
		ClientID:          "raidpulse",
		ClientSecret:      "secret",
		Timeout:           5 * time.Second,
		RequestsPerSecond: 1000,
		Burst:             10,
		PageSize:          2,
		AllowPrivateHosts: true,
	}, budget, zap.NewNop().Sugar())
	return c, budget, arch
}

const rateLimitJSON = `"rateLimitData":{"limitPerHour":3600,"pointsSpentThisHour":120.5,"pointsResetIn":1800}`

var echo = raid.Guild{ID: 7, Name: "Echo", Realm: "Tarren Mill", Region: "EU"}

func TestScribeListsReportsAndFeedsTreasurer(t *testing.T) {
	c, budget, _ := newTestClient(t, func(query string, vars map[string]any) (int, string) {
		assert.Contains(t, query, "reports(")
		assert.Equal(t, "Echo", vars["guild"])
		assert.Equal(t, "tarren-mill", vars["server"])
		assert.Equal(t, "eu", vars["region"])
		assert.EqualValues(t, 3, vars["page"])
		assert.EqualValues(t, 2, vars["limit"])
		return http.StatusOK, `{"data":{` + rateLimitJSON + `,"reportData":{"reports":{
			"data":[
				{"code":"aaa","title":"Raid night","startTime":1741197600000,"endTime":1741208400000,"zone":{"id":42},
				 "fights":[{"id":1,"encounterID":3009},{"id":2,"encounterID":3009},{"id":3,"encounterID":0}]},
				{"code":"","startTime":1741197600000},
				{"code":"live","startTime":1741284000000,"endTime":0,"zone":{"id":42},"fights":[]}
			],
			"current_page":3,"last_page":9,"has_more_pages":true}}}}`
	})

	page, err := c.ListReports(context.Background(), echo, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Page)
	assert.Equal(t, 9, page.LastPage)
	assert.True(t, page.HasMore)
	require.Len(t, page.Reports, 2, "report without a code is skipped")

	first := page.Reports[0]
	assert.Equal(t, "aaa", first.Report.Code)
	assert.Equal(t, int64(7), first.Report.GuildID)
	assert.Equal(t, 42, first.Report.ZoneID)
	assert.Equal(t, 3, first.Report.FightCount)
	assert.Equal(t, []int{3009, 3009, 0}, first.Encounters)
	assert.False(t, first.Report.Ongoing())
	assert.True(t, page.Reports[1].Report.Ongoing())

	assert.Equal(t, []string{OpListReports}, budget.recorded)
	assert.Equal(t, 3600.0, budget.limit)
	assert.Equal(t, 120.5, budget.spent)
	assert.Equal(t, 30*time.Minute, budget.resetIn)
}

func TestScribeUnknownGuild(t *testing.T) {
	t.Run("empty listing", func(t *testing.T) {
		c, _, _ := newTestClient(t, func(string, map[string]any) (int, string) {
			return http.StatusOK, `{"data":{"reportData":{"reports":null}}}`
		})
		_, err := c.ListReports(context.Background(), echo, 1)
		assert.True(t, errors.Is(err, ErrGuildNotFound))
	})

	t.Run("graphql error", func(t *testing.T) {
		c, _, _ := newTestClient(t, func(string, map[string]any) (int, string) {
			return http.StatusOK, `{"data":null,"errors":[{"message":"No guild exists for this name/server/region."}]}`
		})
		_, err := c.ListReports(context.Background(), echo, 1)
		assert.True(t, errors.Is(err, ErrGuildNotFound))
	})
}

func TestScribeRefusedForBudget(t *testing.T) {
	c, budget, _ := newTestClient(t, func(string, map[string]any) (int, string) {
		return http.StatusTooManyRequests, `{"error":"slow down"}`
	})

	_, err := c.Report(context.Background(), 7, "aaa")
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl), "got %v", err)
	assert.Equal(t, defaultRetryAfter, rl.RetryAfter)
	assert.Equal(t, []time.Duration{defaultRetryAfter}, budget.exhausted)
}

func TestScribeRateLimitHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "90")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	budget := &treasurer{}
	c := New(Config{APIURL: srv.URL, AllowPrivateHosts: true, RequestsPerSecond: 100}, budget, nil)
	_, err := c.Players(context.Background(), 7, "aaa")
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 90*time.Second, rl.RetryAfter)
	assert.Equal(t, []time.Duration{90 * time.Second}, budget.exhausted)
}

func TestScribeCoercesReportDetail(t *testing.T) {
	c, _, _ := newTestClient(t, func(query string, vars map[string]any) (int, string) {
		assert.Equal(t, "aaa", vars["code"])
		return http.StatusOK, `{"data":{` + rateLimitJSON + `,"reportData":{"report":{
			"code":"aaa","title":"Raid night","startTime":1741197600000,"endTime":1741208400000,"zone":{"id":42},
			"fights":[
				{"id":1,"encounterID":3009,"name":"Vexie","difficulty":5,"kill":false,"bossPercentage":43.2,"fightPercentage":61.7,
				 "startTime":60000,"endTime":300000,"lastPhase":2,"lastPhaseIsIntermission":true},
				{"id":2,"encounterID":3009,"name":"Vexie","difficulty":5,"kill":true,"bossPercentage":0.01,
				 "startTime":400000,"endTime":700000},
				{"id":3,"encounterID":0,"name":"Trash","difficulty":5,"startTime":700000,"endTime":710000},
				{"id":4,"encounterID":3010,"name":"Cauldron","difficulty":5,"bossPercentage":140,"startTime":800000,"endTime":900000},
				{"id":5,"encounterID":3010,"name":"Cauldron","startTime":900000,"endTime":950000}
			]}}}}`
	})

	detail, err := c.Report(context.Background(), 7, "aaa")
	require.NoError(t, err)
	assert.Equal(t, 5, detail.Report.FightCount)
	assert.Equal(t, 3, detail.Skipped, "trash, bad percentage and missing difficulty")
	require.Len(t, detail.Fights, 2)

	wipe := detail.Fights[0]
	assert.Equal(t, raid.Mythic, wipe.Difficulty)
	assert.False(t, wipe.Kill)
	assert.Equal(t, 43.2, wipe.BossPct)
	assert.Equal(t, 61.7, wipe.FightPct)
	assert.Equal(t, 4*time.Minute, wipe.Duration)
	assert.Equal(t, detail.Report.Start.Add(time.Minute), wipe.Start)
	assert.Equal(t, "I2", wipe.PhaseLabel())

	kill := detail.Fights[1]
	assert.True(t, kill.Kill)
	assert.Zero(t, kill.BossPct)
	assert.Zero(t, kill.FightPct)
}

func TestScribeGatewayUnavailable(t *testing.T) {
	for _, status := range []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			c, _, _ := newTestClient(t, func(string, map[string]any) (int, string) {
				return status, `<html>upstream unavailable</html>`
			})
			_, err := c.Report(context.Background(), 7, "aaa")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrGateway), "got %v", err)
			assert.False(t, errors.Is(err, ErrReportNotFound))
		})
	}
}

func TestScribeMissingReport(t *testing.T) {
	c, _, _ := newTestClient(t, func(string, map[string]any) (int, string) {
		return http.StatusOK, `{"data":{"reportData":{"report":null}}}`
	})
	_, err := c.Report(context.Background(), 7, "gone")
	assert.True(t, errors.Is(err, ErrReportNotFound))
}

func TestScribeFollowsDeathPages(t *testing.T) {
	c, budget, _ := newTestClient(t, func(query string, vars map[string]any) (int, string) {
		switch {
		case strings.Contains(query, "masterData"):
			return http.StatusOK, `{"data":{"reportData":{"report":{
				"fights":[{"id":1,"startTime":60000,"endTime":300000},{"id":2,"startTime":400000,"endTime":700000}],
				"masterData":{
					"actors":[{"id":11,"name":"Moonbeam","server":"Draenor","subType":"Druid"},{"id":12,"name":"Axe","server":"Draenor","subType":"Warrior"}],
					"abilities":[{"gameID":465,"name":"Gigazap"}]}}}}}`
		case vars["start"].(float64) == 60000:
			return http.StatusOK, `{"data":{"reportData":{"report":{"events":{
				"data":[
					{"timestamp":250000,"type":"death","targetID":11,"fight":1,"killingAbilityGameID":465},
					{"timestamp":120000,"type":"death","targetID":12,"fight":1,"killingAbilityGameID":1},
					{"timestamp":130000,"type":"death","targetID":99,"fight":1}
				],
				"nextPageTimestamp":450000}}}}}`
		default:
			assert.EqualValues(t, 450000, vars["start"])
			return http.StatusOK, `{"data":{"reportData":{"report":{"events":{
				"data":[{"timestamp":460000,"type":"death","targetID":11,"fight":2,"killingAbilityGameID":465}],
				"nextPageTimestamp":null}}}}}`
		}
	})

	deaths, err := c.Deaths(context.Background(), "aaa", []int{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, deaths[1], 2, "pets and NPCs are not player deaths")
	assert.Equal(t, "Axe", deaths[1][0].Player)
	assert.Equal(t, time.Minute, deaths[1][0].At)
	assert.Equal(t, raid.Death{Player: "Moonbeam", Class: "Druid", Ability: "Gigazap", At: 190 * time.Second}, deaths[1][1])
	require.Len(t, deaths[2], 1)
	assert.Equal(t, time.Minute, deaths[2][0].At)
	assert.NotNil(t, deaths[3])
	assert.Empty(t, deaths[3])

	assert.Equal(t, []string{OpDeathContext, OpDeathEvents, OpDeathEvents}, budget.recorded)
}

func TestScribeReadsPlayers(t *testing.T) {
	c, _, _ := newTestClient(t, func(string, map[string]any) (int, string) {
		return http.StatusOK, `{"data":{"reportData":{"report":{"startTime":1741197600000,"endTime":1741208400000,
			"masterData":{"actors":[
				{"id":11,"name":"Moonbeam","server":"Draenor","subType":"Druid"},
				{"id":13,"name":"","server":"Draenor","subType":"Unknown"}]}}}}}`
	})

	chars, err := c.Players(context.Background(), 7, "aaa")
	require.NoError(t, err)
	require.Len(t, chars, 1)
	assert.Equal(t, raid.Character{
		GuildID:        7,
		Name:           "Moonbeam",
		Realm:          "Draenor",
		Class:          "Druid",
		LastReportCode: "aaa",
		LastSeen:       time.UnixMilli(1741208400000).UTC(),
	}, chars[0])
}

func TestScribeWithoutCredentials(t *testing.T) {
	c, _, _ := newTestClient(t, nil)
	c.cfg.ClientID = ""
	bare := New(c.cfg, nil, nil)

	_, err := bare.Report(context.Background(), 7, "aaa")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, defaultRetryAfter, parseRetryAfter(""))
	assert.Equal(t, defaultRetryAfter, parseRetryAfter("soon"))
	assert.Equal(t, 2*time.Minute, parseRetryAfter("120"))
}

func TestGraphQLErrorFor(t *testing.T) {
	err := graphQLErrorFor(OpReport, []graphQLError{{Message: "This report does not exist."}})
	assert.True(t, errors.Is(err, ErrReportNotFound))

	err = graphQLErrorFor(OpReport, []graphQLError{{Message: "You have exceeded your rate limit"}})
	var rl *RateLimitError
	assert.True(t, errors.As(err, &rl))

	err = graphQLErrorFor(OpReport, []graphQLError{{Message: "Syntax error"}, {Message: "Unknown field"}})
	assert.EqualError(t, err, "log API report: Syntax error; Unknown field")
}
