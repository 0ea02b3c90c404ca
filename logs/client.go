// Package logs is the client for the external combat-log hosting API. It
// speaks GraphQL over HTTP with OAuth2 client credentials, paces requests,
// reports the API's point budget to the rate limit coordinator, and coerces
// the wire format into raid records.
package logs

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/teranos/raidpulse/am"
	"github.com/teranos/raidpulse/errors"
	"github.com/teranos/raidpulse/internal/httpclient"
	"github.com/teranos/raidpulse/internal/util"
	"github.com/teranos/raidpulse/logger"
	"github.com/teranos/raidpulse/raid"
	"github.com/teranos/raidpulse/version"
)

// Operation names, used for budget accounting and logs.
const (
	OpListReports  = "list_reports"
	OpReport       = "report"
	OpDeathContext = "death_context"
	OpDeathEvents  = "death_events"
	OpPlayers      = "players"
)

// operationPoints estimates what each call costs for local accounting. The
// API's own figures replace the estimate whenever a response carries them.
var operationPoints = map[string]float64{
	OpListReports:  1,
	OpReport:       2,
	OpDeathContext: 1,
	OpDeathEvents:  2,
	OpPlayers:      1,
}

const maxResponseBytes = 32 << 20

// defaultRetryAfter applies when a 429 carries no Retry-After header.
const defaultRetryAfter = time.Minute

// Budget receives the point accounting of every call.
type Budget interface {
	Record(ctx context.Context, operation string, points float64)
	Observe(limit, spent float64, resetIn time.Duration)
	Exhaust(resetIn time.Duration)
}

// Config configures the client.
type Config struct {
	APIURL            string
	TokenURL          string
	ClientID          string // empty skips OAuth2, for local mocks
	ClientSecret      string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	PageSize          int
	AllowPrivateHosts bool // tests against httptest servers
}

// ConfigFromAM maps the logs section of the configuration.
func ConfigFromAM(c am.LogsConfig) Config {
	return Config{
		APIURL:            c.APIURL,
		TokenURL:          c.TokenURL,
		ClientID:          c.ClientID,
		ClientSecret:      c.ClientSecret,
		Timeout:           c.Timeout,
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
		PageSize:          c.PageSize,
	}
}

// Client talks to the log API.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	budget  Budget
	logger  *zap.SugaredLogger
}

// New creates a client. budget may be nil.
func New(cfg Config, budget Budget, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 25
	}

	base := httpclient.New(cfg.Timeout, httpclient.Options{
		UserAgent:      version.UserAgent(),
		BlockPrivateIP: util.Ptr(!cfg.AllowPrivateHosts),
	})

	client := base
	if cfg.ClientID != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		// Token requests go through the same hardened transport
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		client = cc.Client(tokenCtx)
		client.Timeout = cfg.Timeout
		client.CheckRedirect = base.CheckRedirect
	}

	return &Client{
		cfg:     cfg,
		http:    client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		budget:  budget,
		logger:  logger.AddIXSymbol(log.Named("logs")),
	}
}

// PageSize is the number of reports per listing page.
func (c *Client) PageSize() int {
	return c.cfg.PageSize
}

// execute runs one GraphQL operation and decodes its data into out.
func (c *Client) execute(ctx context.Context, op, query string, vars map[string]any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrapf(err, "log API %s: request pacing", op)
	}

	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if c.budget != nil {
		c.budget.Record(ctx, op, operationPoints[op])
	}
	if err != nil {
		return transportError(ctx, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transportError(ctx, op, err)
	}
	c.logger.Debugw("Log API call",
		"op", op,
		logger.FieldStatus, resp.StatusCode,
		logger.FieldDurationMS, time.Since(start).Milliseconds())

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		if c.budget != nil {
			c.budget.Exhaust(retryAfter)
		}
		c.logger.Warnw("Log API refused call, budget exhausted", "op", op, logger.FieldResetIn, retryAfter)
		return &RateLimitError{RetryAfter: retryAfter}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.WithHint(
			errors.Newf("log API %s: %s", op, resp.Status),
			"check logs.client_id and logs.client_secret")
	case resp.StatusCode == http.StatusBadGateway ||
		resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusGatewayTimeout:
		return errors.WithDetail(
			errors.Mark(errors.Newf("log API %s: %s", op, resp.Status), ErrGateway),
			truncate(string(raw), 512))
	case resp.StatusCode != http.StatusOK:
		return errors.WithDetail(
			errors.Newf("log API %s: %s", op, resp.Status),
			truncate(string(raw), 512))
	}

	var gql graphQLResponse
	if err := json.Unmarshal(raw, &gql); err != nil {
		return errors.Wrapf(err, "log API %s: decode response", op)
	}
	c.observe(gql.Data)

	if len(gql.Errors) > 0 {
		err := graphQLErrorFor(op, gql.Errors)
		var rl *RateLimitError
		if errors.As(err, &rl) && c.budget != nil {
			c.budget.Exhaust(defaultRetryAfter)
		}
		return err
	}
	if out != nil && len(gql.Data) > 0 {
		if err := json.Unmarshal(gql.Data, out); err != nil {
			return errors.Wrapf(err, "log API %s: decode data", op)
		}
	}
	return nil
}

// observe passes the budget figures of a response to the coordinator.
func (c *Client) observe(data json.RawMessage) {
	if c.budget == nil || len(data) == 0 {
		return
	}
	var env rateLimitEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.RateLimitData == nil {
		return
	}
	rl := env.RateLimitData
	c.budget.Observe(rl.LimitPerHour, rl.PointsSpentThisHour, time.Duration(rl.PointsResetIn*float64(time.Second)))
}

// ReportSummary is one report of a listing page. Encounters holds the
// encounter id of every boss attempt in it, so callers can count the
// attempts they track.
type ReportSummary struct {
	Report     raid.Report
	Encounters []int
}

// ReportPage is one page of a guild's report listing, newest first.
type ReportPage struct {
	Reports  []ReportSummary
	Page     int
	LastPage int
	HasMore  bool
}

// ListReports fetches one page (1-indexed) of a guild's reports.
func (c *Client) ListReports(ctx context.Context, g raid.Guild, page int) (*ReportPage, error) {
	var resp listReportsResponse
	err := c.execute(ctx, OpListReports, listReportsQuery, map[string]any{
		"guild":  g.Name,
		"server": raid.RealmSlug(g.Realm),
		"region": raid.NormalizeRegion(g.Region),
		"page":   page,
		"limit":  c.cfg.PageSize,
	}, &resp)
	if err != nil {
		return nil, errors.WithDetail(err, "Guild: "+g.String())
	}

	listing := resp.ReportData.Reports
	if listing == nil {
		// The API answers an unknown guild with an empty reports field
		return nil, errors.Wrapf(ErrGuildNotFound, "list reports for %s", g)
	}

	out := &ReportPage{Page: listing.CurrentPage, LastPage: listing.LastPage, HasMore: listing.HasMorePages}
	if out.Page == 0 {
		out.Page = page
	}
	for _, w := range listing.Data {
		s, err := w.summary(g.ID)
		if err != nil {
			c.logger.Warnw("Skipping malformed report", logger.FieldGuild, g.String(), logger.FieldError, err)
			continue
		}
		out.Reports = append(out.Reports, s)
	}
	return out, nil
}

// ReportDetail is a report with its boss attempts.
type ReportDetail struct {
	Report  raid.Report
	Fights  []raid.Fight
	Skipped int // attempts rejected during coercion
}

// Report fetches a report and its boss attempts.
func (c *Client) Report(ctx context.Context, guildID int64, code string) (*ReportDetail, error) {
	var resp reportResponse
	if err := c.execute(ctx, OpReport, reportQuery, map[string]any{"code": code}, &resp); err != nil {
		return nil, errors.WithDetail(err, "Report: "+code)
	}
	w := resp.ReportData.Report
	if w == nil {
		return nil, errors.Wrapf(ErrReportNotFound, "report %s", code)
	}

	detail := &ReportDetail{Report: w.report(guildID)}
	if detail.Report.Code == "" {
		detail.Report.Code = code
	}
	for _, wf := range w.Fights {
		f, err := wf.fight(detail.Report)
		if err != nil {
			detail.Skipped++
			continue
		}
		detail.Fights = append(detail.Fights, f)
	}
	return detail, nil
}

// Deaths fetches the player deaths of the given attempts of a report, keyed
// by fight id. Every requested fight gets an entry, empty when nobody died.
func (c *Client) Deaths(ctx context.Context, code string, fightIDs []int) (map[int][]raid.Death, error) {
	if len(fightIDs) == 0 {
		return map[int][]raid.Death{}, nil
	}

	var dc deathContextResponse
	if err := c.execute(ctx, OpDeathContext, deathContextQuery, map[string]any{"code": code, "fights": fightIDs}, &dc); err != nil {
		return nil, errors.WithDetail(err, "Report: "+code)
	}
	report := dc.ReportData.Report
	if report == nil {
		return nil, errors.Wrapf(ErrReportNotFound, "report %s", code)
	}

	fights := make(map[int]wireFightWindow, len(report.Fights))
	start, end := -1.0, 0.0
	for _, f := range report.Fights {
		fights[f.ID] = f
		if start < 0 || f.StartTime < start {
			start = f.StartTime
		}
		if f.EndTime > end {
			end = f.EndTime
		}
	}
	actors := make(map[int]wireActor, len(report.MasterData.Actors))
	for _, a := range report.MasterData.Actors {
		actors[a.ID] = a
	}
	abilities := make(map[int]string, len(report.MasterData.Abilities))
	for _, a := range report.MasterData.Abilities {
		abilities[a.GameID] = a.Name
	}

	deaths := make(map[int][]raid.Death, len(fightIDs))
	for _, id := range fightIDs {
		deaths[id] = []raid.Death{}
	}
	if start < 0 {
		return deaths, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var page deathEventsResponse
		err := c.execute(ctx, OpDeathEvents, deathEventsQuery, map[string]any{
			"code": code, "fights": fightIDs, "start": start, "end": end,
		}, &page)
		if err != nil {
			return nil, errors.WithDetail(err, "Report: "+code)
		}
		if page.ReportData.Report == nil {
			return nil, errors.Wrapf(ErrReportNotFound, "report %s", code)
		}
		events := page.ReportData.Report.Events

		for _, ev := range events.Data {
			if ev.Type != "" && ev.Type != "death" {
				continue
			}
			actor, isPlayer := actors[ev.TargetID]
			fight, known := fights[ev.Fight]
			if !isPlayer || !known {
				continue
			}
			deaths[ev.Fight] = append(deaths[ev.Fight], raid.Death{
				Player:  actor.Name,
				Class:   actor.SubType,
				Ability: abilities[ev.KillingAbilityGameID],
				At:      time.Duration(ev.Timestamp-fight.StartTime) * time.Millisecond,
			})
		}

		if events.NextPageTimestamp == nil || *events.NextPageTimestamp <= start {
			break
		}
		start = *events.NextPageTimestamp
	}

	for id := range deaths {
		sort.SliceStable(deaths[id], func(i, j int) bool { return deaths[id][i].At < deaths[id][j].At })
	}
	return deaths, nil
}

// Players fetches the player characters that appear in a report.
func (c *Client) Players(ctx context.Context, guildID int64, code string) ([]raid.Character, error) {
	var resp playersResponse
	if err := c.execute(ctx, OpPlayers, playersQuery, map[string]any{"code": code}, &resp); err != nil {
		return nil, errors.WithDetail(err, "Report: "+code)
	}
	report := resp.ReportData.Report
	if report == nil {
		return nil, errors.Wrapf(ErrReportNotFound, "report %s", code)
	}

	seen := epochMS(report.EndTime)
	if seen.IsZero() {
		seen = epochMS(report.StartTime)
	}
	var chars []raid.Character
	for _, a := range report.MasterData.Actors {
		if a.Name == "" || a.Server == "" {
			continue
		}
		chars = append(chars, raid.Character{
			GuildID:        guildID,
			Name:           a.Name,
			Realm:          a.Server,
			Class:          a.SubType,
			LastReportCode: code,
			LastSeen:       seen,
		})
	}
	return chars, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return defaultRetryAfter
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
