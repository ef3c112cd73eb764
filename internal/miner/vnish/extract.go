package vnish

import "curtail-control/internal/miner"

type infoResp struct {
	Model    string `json:"model"`
	Firmware string `json:"fw_name"`
}

type summaryResp struct {
	Miner struct {
		MinerStatus struct {
			MinerState string `json:"miner_state"`
		} `json:"miner_status"`
		AverageHashrate  float64 `json:"average_hashrate"` // TH/s
		InstantHashrate  float64 `json:"instant_hashrate"`
		PowerConsumption float64 `json:"power_consumption"` // W
		PowerUsage       float64 `json:"power_usage"`
		Cooling          struct {
			Fans []struct {
				RPM int `json:"rpm"`
			} `json:"fans"`
		} `json:"cooling"`
		Chains []struct {
			PCBTemp struct {
				Max float64 `json:"max"`
			} `json:"pcb_temp"`
		} `json:"chains"`
	} `json:"miner"`
}

type powerTargetResp struct {
	Watt int `json:"watt"`
}

func applySummary(st *miner.State, r summaryResp) {
	m := r.Miner
	st.HashrateTHS = m.AverageHashrate
	if st.HashrateTHS == 0 {
		st.HashrateTHS = m.InstantHashrate
	}
	st.PowerW = m.PowerConsumption
	if st.PowerW == 0 {
		st.PowerW = m.PowerUsage
	}
	for _, f := range m.Cooling.Fans {
		st.FansRPM = append(st.FansRPM, f.RPM)
	}
	for _, ch := range m.Chains {
		if ch.PCBTemp.Max > st.TempC {
			st.TempC = ch.PCBTemp.Max
		}
	}
}
