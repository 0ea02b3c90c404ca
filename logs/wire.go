package logs

import (
	"encoding/json"
	"math"
	"time"

	"github.com/teranos/raidpulse/errors"
	"github.com/teranos/raidpulse/raid"
)

// Every query asks for the budget so each response can be fed to the
// rate limit coordinator.
const rateLimitFragment = `rateLimitData { limitPerHour pointsSpentThisHour pointsResetIn }`

const listReportsQuery = `query ($guild: String!, $server: String!, $region: String!, $page: Int!, $limit: Int!) {
	` + rateLimitFragment + `
	reportData {
		reports(guildName: $guild, guildServerSlug: $server, guildServerRegion: $region, page: $page, limit: $limit) {
			data { code title startTime endTime zone { id } fights(killType: Encounters) { id encounterID } }
			current_page
			last_page
			has_more_pages
		}
	}
}`

const reportQuery = `query ($code: String!) {
	` + rateLimitFragment + `
	reportData {
		report(code: $code) {
			code title startTime endTime zone { id }
			fights(killType: Encounters) {
				id encounterID name difficulty kill
				bossPercentage fightPercentage
				startTime endTime
				lastPhase lastPhaseIsIntermission
			}
		}
	}
}`

const deathContextQuery = `query ($code: String!, $fights: [Int]!) {
	` + rateLimitFragment + `
	reportData {
		report(code: $code) {
			fights(fightIDs: $fights) { id startTime endTime }
			masterData {
				actors(type: "Player") { id name server subType }
				abilities { gameID name }
			}
		}
	}
}`

const deathEventsQuery = `query ($code: String!, $fights: [Int]!, $start: Float!, $end: Float!) {
	` + rateLimitFragment + `
	reportData {
		report(code: $code) {
			events(dataType: Deaths, fightIDs: $fights, startTime: $start, endTime: $end) {
				data
				nextPageTimestamp
			}
		}
	}
}`

const playersQuery = `query ($code: String!) {
	` + rateLimitFragment + `
	reportData {
		report(code: $code) {
			startTime endTime
			masterData { actors(type: "Player") { id name server subType } }
		}
	}
}`

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

type rateLimitData struct {
	LimitPerHour        float64 `json:"limitPerHour"`
	PointsSpentThisHour float64 `json:"pointsSpentThisHour"`
	PointsResetIn       float64 `json:"pointsResetIn"` // seconds
}

type rateLimitEnvelope struct {
	RateLimitData *rateLimitData `json:"rateLimitData"`
}

type wireZone struct {
	ID int `json:"id"`
}

type wireFightRef struct {
	ID          int `json:"id"`
	EncounterID int `json:"encounterID"`
}

type wireReport struct {
	Code      string         `json:"code"`
	Title     string         `json:"title"`
	StartTime float64        `json:"startTime"` // epoch ms
	EndTime   float64        `json:"endTime"`   // epoch ms, 0 while live
	Zone      *wireZone      `json:"zone"`
	Fights    []wireFightRef `json:"fights"`
}

type listReportsResponse struct {
	ReportData struct {
		Reports *struct {
			Data         []wireReport `json:"data"`
			CurrentPage  int          `json:"current_page"`
			LastPage     int          `json:"last_page"`
			HasMorePages bool         `json:"has_more_pages"`
		} `json:"reports"`
	} `json:"reportData"`
}

type wireFight struct {
	ID                      int      `json:"id"`
	EncounterID             int      `json:"encounterID"`
	Name                    string   `json:"name"`
	Difficulty              *int     `json:"difficulty"`
	Kill                    *bool    `json:"kill"`
	BossPercentage          *float64 `json:"bossPercentage"`
	FightPercentage         *float64 `json:"fightPercentage"`
	StartTime               float64  `json:"startTime"` // ms from report start
	EndTime                 float64  `json:"endTime"`
	LastPhase               *int     `json:"lastPhase"`
	LastPhaseIsIntermission *bool    `json:"lastPhaseIsIntermission"`
}

type wireReportDetail struct {
	Code      string      `json:"code"`
	Title     string      `json:"title"`
	StartTime float64     `json:"startTime"`
	EndTime   float64     `json:"endTime"`
	Zone      *wireZone   `json:"zone"`
	Fights    []wireFight `json:"fights"`
}

type reportResponse struct {
	ReportData struct {
		Report *wireReportDetail `json:"report"`
	} `json:"reportData"`
}

type wireActor struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Server  string `json:"server"`
	SubType string `json:"subType"`
}

type wireAbility struct {
	GameID int    `json:"gameID"`
	Name   string `json:"name"`
}

type wireFightWindow struct {
	ID        int     `json:"id"`
	StartTime float64 `json:"startTime"`
	EndTime   float64 `json:"endTime"`
}

type deathContextResponse struct {
	ReportData struct {
		Report *struct {
			Fights     []wireFightWindow `json:"fights"`
			MasterData struct {
				Actors    []wireActor   `json:"actors"`
				Abilities []wireAbility `json:"abilities"`
			} `json:"masterData"`
		} `json:"report"`
	} `json:"reportData"`
}

type wireDeathEvent struct {
	Timestamp            float64 `json:"timestamp"`
	Type                 string  `json:"type"`
	TargetID             int     `json:"targetID"`
	Fight                int     `json:"fight"`
	KillingAbilityGameID int     `json:"killingAbilityGameID"`
}

type deathEventsResponse struct {
	ReportData struct {
		Report *struct {
			Events struct {
				Data              []wireDeathEvent `json:"data"`
				NextPageTimestamp *float64         `json:"nextPageTimestamp"`
			} `json:"events"`
		} `json:"report"`
	} `json:"reportData"`
}

type playersResponse struct {
	ReportData struct {
		Report *struct {
			StartTime  float64 `json:"startTime"`
			EndTime    float64 `json:"endTime"`
			MasterData struct {
				Actors []wireActor `json:"actors"`
			} `json:"masterData"`
		} `json:"report"`
	} `json:"reportData"`
}

func epochMS(ms float64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms)).UTC()
}

func (w wireReport) summary(guildID int64) (ReportSummary, error) {
	if w.Code == "" {
		return ReportSummary{}, errors.New("report without code")
	}
	if w.StartTime <= 0 {
		return ReportSummary{}, errors.Newf("report %s has no start time", w.Code)
	}
	s := ReportSummary{
		Report: raid.Report{
			Code:       w.Code,
			GuildID:    guildID,
			Title:      w.Title,
			Start:      epochMS(w.StartTime),
			End:        epochMS(w.EndTime),
			FightCount: len(w.Fights),
		},
	}
	if w.Zone != nil {
		s.Report.ZoneID = w.Zone.ID
	}
	for _, f := range w.Fights {
		s.Encounters = append(s.Encounters, f.EncounterID)
	}
	return s, nil
}

func (w wireReportDetail) report(guildID int64) raid.Report {
	r := raid.Report{
		Code:       w.Code,
		GuildID:    guildID,
		Title:      w.Title,
		Start:      epochMS(w.StartTime),
		End:        epochMS(w.EndTime),
		FightCount: len(w.Fights),
	}
	if w.Zone != nil {
		r.ZoneID = w.Zone.ID
	}
	return r
}

// fight coerces one wire attempt. Trash (no encounter) and attempts without
// a difficulty are rejected, as are impossible timings and percentages.
func (w wireFight) fight(report raid.Report) (raid.Fight, error) {
	if w.EncounterID == 0 {
		return raid.Fight{}, errors.Newf("fight %d is trash", w.ID)
	}
	if w.Difficulty == nil || !raid.Difficulty(*w.Difficulty).Valid() {
		return raid.Fight{}, errors.Newf("fight %d has no tracked difficulty", w.ID)
	}
	if w.EndTime < w.StartTime {
		return raid.Fight{}, errors.Newf("fight %d ends before it starts", w.ID)
	}

	f := raid.Fight{
		ReportCode:    report.Code,
		FightID:       w.ID,
		GuildID:       report.GuildID,
		EncounterID:   w.EncounterID,
		EncounterName: w.Name,
		Difficulty:    raid.Difficulty(*w.Difficulty),
		Kill:          w.Kill != nil && *w.Kill,
		Start:         report.Start.Add(time.Duration(w.StartTime) * time.Millisecond),
		End:           report.Start.Add(time.Duration(w.EndTime) * time.Millisecond),
		Duration:      time.Duration(w.EndTime-w.StartTime) * time.Millisecond,
	}
	if w.BossPercentage != nil {
		f.BossPct = *w.BossPercentage
	}
	if w.FightPercentage != nil {
		f.FightPct = *w.FightPercentage
	} else {
		f.FightPct = f.BossPct
	}
	if f.Kill {
		f.BossPct, f.FightPct = 0, 0
	}
	for _, pct := range []float64{f.BossPct, f.FightPct} {
		if math.IsNaN(pct) || pct < 0 || pct > 100 {
			return raid.Fight{}, errors.Newf("fight %d has percentage %v out of range", w.ID, pct)
		}
	}
	if w.LastPhase != nil {
		f.LastPhase = *w.LastPhase
	}
	f.LastPhaseIntermission = w.LastPhaseIsIntermission != nil && *w.LastPhaseIsIntermission
	return f, nil
}
