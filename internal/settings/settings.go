package settings

import "time"

type Market struct {
	PriceTTL time.Duration `json:"price_ttl"`
	ChainTTL time.Duration `json:"chain_ttl"`

	RetryAttempts  int           `json:"retry_attempts"`
	AttemptTimeout time.Duration `json:"attempt_timeout"`

	// Ordered provider overrides; empty means the built-in default host.
	CoinGeckoURL      string `json:"coingecko_url,omitempty"`
	CoinbaseURL       string `json:"coinbase_url,omitempty"`
	MempoolURL        string `json:"mempool_url,omitempty"`
	BlockchainInfoURL string `json:"blockchaininfo_url,omitempty"`
}

type Curtailment struct {
	ElectricityPriceUSDPerKWh float64 `json:"electricity_price_usd_per_kwh"`
}

type EmbeddedNATS struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	HTTPPort int    `json:"http_port"`
	StoreDir string `json:"store_dir"`
}

type MikroTik struct {
	Enabled     bool   `json:"enabled"`
	Address     string `json:"address"` // host:8728
	Username    string `json:"username"`
	PasswordEnc string `json:"password_enc,omitempty"`
	// Comment prefix that marks a DHCP lease as a miner, e.g. "asic:".
	LeaseCommentPrefix string `json:"lease_comment_prefix"`
}

// Miner is one fleet entry. Credentials are encrypted with data/secret.key
// so settings.json never holds plaintext passwords.
type Miner struct {
	ID       string `json:"id"`
	Model    string `json:"model"`
	Address  string `json:"address"`
	Protocol string `json:"protocol"` // antminer/vnish/sim
	Enabled  bool   `json:"enabled"`
	Note     string `json:"note,omitempty"`

	UsernameEnc string `json:"username_enc,omitempty"`
	PasswordEnc string `json:"password_enc,omitempty"`
}

type Settings struct {
	Version int `json:"version"`

	HTTPAddr string `json:"http_addr"`
	LogLevel string `json:"log_level"`

	NATSURL    string `json:"nats_url"`
	NATSPrefix string `json:"nats_prefix"`

	EmbeddedNATS EmbeddedNATS `json:"embedded_nats"`

	Market      Market      `json:"market"`
	Curtailment Curtailment `json:"curtailment"`

	MikroTik MikroTik `json:"mikrotik"`

	Miners []Miner `json:"miners,omitempty"`
}

func Defaults() Settings {
	return Settings{
		Version:  1,
		HTTPAddr: ":8080",
		LogLevel: "info",

		NATSURL:    "nats://127.0.0.1:14222",
		NATSPrefix: "curtail",

		EmbeddedNATS: EmbeddedNATS{
			Enabled:  true,
			Host:     "127.0.0.1",
			Port:     14222,
			HTTPPort: 18222,
			StoreDir: "data/nats",
		},

		Market: Market{
			PriceTTL:       30 * time.Second,
			ChainTTL:       5 * time.Minute,
			RetryAttempts:  2,
			AttemptTimeout: 5 * time.Second,
		},

		Curtailment: Curtailment{
			ElectricityPriceUSDPerKWh: 0.08,
		},

		MikroTik: MikroTik{
			LeaseCommentPrefix: "asic:",
		},

		Miners: nil,
	}
}
