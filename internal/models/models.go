package models

import (
	"regexp"
	"strings"
)

type Normalized struct {
	Vendor string // antminer/whatsminer/avalonminer/unknown
	Model  string // display
	Key    string // stable key for baseline lookup
}

var ws = regexp.MustCompile(`\s+`)

func Normalize(raw string) Normalized {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Normalized{Vendor: "unknown"}
	}
	up := strings.ToUpper(s)
	up = strings.ReplaceAll(up, "_", " ")
	up = ws.ReplaceAllString(up, " ")

	sawAntminer := false
	if strings.HasPrefix(up, "ANTMINER ") {
		sawAntminer = true
		up = strings.TrimSpace(strings.TrimPrefix(up, "ANTMINER "))
	}

	n := Normalized{Vendor: "unknown"}
	switch {
	case sawAntminer:
		n.Vendor = "antminer"
	case strings.HasPrefix(up, "M") && len(up) >= 3 && up[1] >= '0' && up[1] <= '9':
		n.Vendor = "whatsminer"
	case strings.HasPrefix(up, "A") && len(up) >= 3 && up[1] >= '0' && up[1] <= '9':
		n.Vendor = "avalonminer"
	case strings.HasPrefix(up, "L") || strings.HasPrefix(up, "S"):
		// Bitmain families: L7, S19, S21...
		n.Vendor = "antminer"
	}

	model := up
	if n.Vendor == "antminer" {
		model = strings.ReplaceAll(model, "J PRO", "JPRO")
		model = strings.ReplaceAll(model, "JPRO", "j Pro")
		model = strings.ReplaceAll(model, " PRO", " Pro")
		model = strings.ReplaceAll(model, "PRO", "Pro")
		model = strings.ReplaceAll(model, " PLUS", "+")
		model = strings.ReplaceAll(model, "PLUS", "+")
		model = strings.TrimSpace(ws.ReplaceAllString(model, " "))
		model = "Antminer " + model
	}
	if n.Vendor == "whatsminer" {
		model = "Whatsminer " + strings.TrimSpace(up)
	}
	if n.Vendor == "avalonminer" {
		model = "Avalon " + strings.TrimSpace(up)
	}

	n.Model = model
	n.Key = strings.ToUpper(ws.ReplaceAllString(model, " "))
	return n
}

// Baseline is the nameplate performance at power limit 1.0.
type Baseline struct {
	HashrateTHS float64
	PowerW      float64
	TempC       float64
	Fans        int
}

// Nameplate figures for the fleet models we operate. Unknown models fall
// back to a conservative generic baseline so planning still works.
var baselines = map[string]Baseline{
	"ANTMINER S19":      {HashrateTHS: 95, PowerW: 3250, TempC: 62, Fans: 4},
	"ANTMINER S19 PRO":  {HashrateTHS: 110, PowerW: 3250, TempC: 63, Fans: 4},
	"ANTMINER S19J PRO": {HashrateTHS: 104, PowerW: 3068, TempC: 62, Fans: 4},
	"ANTMINER S19 XP":   {HashrateTHS: 140, PowerW: 3010, TempC: 60, Fans: 4},
	"ANTMINER S21":      {HashrateTHS: 200, PowerW: 3500, TempC: 58, Fans: 4},
	"ANTMINER L7":       {HashrateTHS: 9.5, PowerW: 3425, TempC: 64, Fans: 4},
	"WHATSMINER M30S":   {HashrateTHS: 86, PowerW: 3268, TempC: 65, Fans: 2},
	"WHATSMINER M30S++": {HashrateTHS: 112, PowerW: 3472, TempC: 66, Fans: 2},
	"WHATSMINER M50":    {HashrateTHS: 114, PowerW: 3306, TempC: 64, Fans: 2},
	"AVALON A1246":      {HashrateTHS: 90, PowerW: 3420, TempC: 68, Fans: 4},
	"AVALON A1366":      {HashrateTHS: 130, PowerW: 3250, TempC: 66, Fans: 4},
}

var genericBaseline = Baseline{HashrateTHS: 100, PowerW: 3300, TempC: 65, Fans: 4}

// BaselineFor resolves a raw model string to its nameplate baseline.
func BaselineFor(rawModel string) Baseline {
	n := Normalize(rawModel)
	key := n.Key
	if b, ok := baselines[key]; ok {
		return b
	}
	// second chance: match on the raw uppercase string
	up := strings.ToUpper(ws.ReplaceAllString(strings.TrimSpace(rawModel), " "))
	if b, ok := baselines[up]; ok {
		return b
	}
	return genericBaseline
}
