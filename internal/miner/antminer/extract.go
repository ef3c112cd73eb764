package antminer

import (
	"strings"

	"curtail-control/internal/miner"
)

// Response shapes for the stock JSON CGI. Firmwares disagree on casing and
// units, so parsing stays permissive.

type systemInfoResp struct {
	MinerType string `json:"minertype"`
	MACAddr   string `json:"macaddr"`
	Hostname  string `json:"hostname"`
}

type summaryResp struct {
	Summary []struct {
		Elapsed  int64   `json:"elapsed"`
		Rate5s   float64 `json:"rate_5s"`
		RateAvg  float64 `json:"rate_avg"`
		RateUnit string  `json:"rate_unit"`
	} `json:"SUMMARY"`
}

type statsResp struct {
	Stats []struct {
		Fan   []int `json:"fan"`
		Chain []struct {
			TempPCB []float64 `json:"temp_pcb"`
		} `json:"chain"`
	} `json:"STATS"`
}

type minerConfResp struct {
	FreqLevel *int `json:"freq-level"`
}

func applySummary(st *miner.State, r summaryResp) {
	if len(r.Summary) == 0 {
		return
	}
	s := r.Summary[0]
	rate := s.RateAvg
	if rate == 0 {
		rate = s.Rate5s
	}
	switch strings.ToUpper(strings.TrimSpace(s.RateUnit)) {
	case "GH/S", "GHS", "":
		st.HashrateTHS = rate / 1000
	case "MH/S", "MHS":
		st.HashrateTHS = rate / 1e6
	default: // TH/s
		st.HashrateTHS = rate
	}
}

func applyStats(st *miner.State, r statsResp) {
	if len(r.Stats) == 0 {
		return
	}
	s := r.Stats[0]
	if len(s.Fan) > 0 {
		st.FansRPM = append([]int(nil), s.Fan...)
	}
	max := 0.0
	for _, ch := range s.Chain {
		for _, t := range ch.TempPCB {
			if t > max {
				max = t
			}
		}
	}
	if max > 0 {
		st.TempC = max
	}
}
