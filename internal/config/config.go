package config

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the domain configuration injected into the flow engine,
// processor, approval service and collaborators.
type Config struct {
	HTTPAddr      string
	StoreDriver   string
	SessionDriver string
	SessionTTL    time.Duration

	AdminPhones   []string
	AdminSecret   string
	AdminTokenTTL time.Duration

	ReferralReward   decimal.Decimal
	ReferralCurrency string

	WithdrawFees map[string]decimal.Decimal
	// OTC desk rates keyed by "COIN_FIAT".
	BuyRates  map[string]decimal.Decimal
	SellRates map[string]decimal.Decimal

	PriceURL      string
	PriceTimeout  time.Duration
	PriceCacheTTL time.Duration

	VTU VTUConfig

	NotifyWebhookURL  string
	NotifyWorkers     int
	BroadcastInterval time.Duration
	AlertInterval     time.Duration
}

type VTUConfig struct {
	APIURL     string
	AuthURL    string
	Username   string
	Password   string
	UserPIN    string
	MaxRetries int
	Backoff    time.Duration
}

// Fiat currencies settle through bank/P2P channels rather than chains.
var Fiat = map[string]bool{"NGN": true, "USD": true, "GBP": true, "EUR": true, "CAD": true, "GHS": true, "KES": true}

// Coins lists supported crypto assets.
var Coins = []string{"USDT", "BTC", "ETH", "SOL", "BNB", "TRX"}

// DepositAddresses maps chain -> coin -> static deposit address.
var DepositAddresses = map[string]map[string]string{
	"BEP20": {"USDT": evmAddress, "BNB": evmAddress},
	"ERC20": {"USDT": evmAddress, "ETH": evmAddress},
	"SOL":   {"USDT": "57WEb7oddTUGAhpKBSArj9htFfLNzTHkgsiaeYq61wY3", "SOL": "57WEb7oddTUGAhpKBSArj9htFfLNzTHkgsiaeYq61wY3"},
	"TRC20": {"USDT": "TZFBgMzwQVMPvyYV3nenSPA3UwWzBYnYBd", "TRX": "TZFBgMzwQVMPvyYV3nenSPA3UwWzBYnYBd"},
	"BTC":   {"BTC": "3EU54nPqmNqPdJ9jW9286vdDWfBhdaSMq6"},
	"BNB":   {"BNB": evmAddress, "BTC": evmAddress},
}

const evmAddress = "0x50aa38971e05275a48496ce1765136ef11bc499e"

var defaultFees = map[string]string{"USDT": "1.0", "BTC": "0.0005", "ETH": "0.005"}

// FromEnv builds Config from environment variables (after godotenv has run).
func FromEnv() Config {
	cfg := Config{
		HTTPAddr:         getEnv("HTTP_ADDR", "0.0.0.0:8431"),
		StoreDriver:      getEnv("STORE_DRIVER", "postgres"),
		SessionDriver:    getEnv("SESSION_DRIVER", "memory"),
		SessionTTL:       time.Duration(getInt("SESSION_TTL_MINUTES", 30)) * time.Minute,
		AdminPhones:      splitPhones(os.Getenv("OWNER_PHONE")),
		AdminSecret:      os.Getenv("ADMIN_API_SECRET"),
		AdminTokenTTL:    time.Duration(getInt("ADMIN_TOKEN_TTL_MINUTES", 60)) * time.Minute,
		ReferralReward:   getDecimal("REFERRAL_REWARD_NGN", decimal.NewFromInt(500)),
		ReferralCurrency: strings.ToUpper(getEnv("REFERRAL_CURRENCY", "NGN")),
		WithdrawFees:     map[string]decimal.Decimal{},
		BuyRates:         map[string]decimal.Decimal{},
		SellRates:        map[string]decimal.Decimal{},
		PriceURL:         getEnv("PRICE_API_URL", "https://api.bybit.com"),
		PriceTimeout:     time.Duration(getInt("PRICE_TIMEOUT_MS", 3000)) * time.Millisecond,
		PriceCacheTTL:    time.Duration(getInt("PRICE_CACHE_SECONDS", 30)) * time.Second,
		VTU: VTUConfig{
			APIURL:     getEnv("VTU_API_URL", "https://vtu.ng/wp-json/api/v2/"),
			AuthURL:    getEnv("VTU_AUTH_URL", "https://vtu.ng/wp-json/jwt-auth/v1/token"),
			Username:   os.Getenv("VTU_USERNAME"),
			Password:   os.Getenv("VTU_PASSWORD"),
			UserPIN:    os.Getenv("VTU_USER_PIN"),
			MaxRetries: getInt("VTU_MAX_RETRIES", 3),
			Backoff:    time.Duration(getInt("VTU_BACKOFF_MS", 500)) * time.Millisecond,
		},
		NotifyWebhookURL:  os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWorkers:     getInt("NOTIFY_WORKERS", 4),
		BroadcastInterval: time.Duration(getInt("BROADCAST_INTERVAL_MS", 500)) * time.Millisecond,
		AlertInterval:     time.Duration(getInt("ALERT_INTERVAL_SECONDS", 60)) * time.Second,
	}
	for coin, fee := range defaultFees {
		cfg.WithdrawFees[coin] = decimal.RequireFromString(fee)
	}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(k, "WITHDRAW_FEE_"):
			cfg.WithdrawFees[strings.TrimPrefix(k, "WITHDRAW_FEE_")] = d
		case strings.HasPrefix(k, "OTC_BUY_RATE_"):
			cfg.BuyRates[strings.TrimPrefix(k, "OTC_BUY_RATE_")] = d
		case strings.HasPrefix(k, "OTC_SELL_RATE_"):
			cfg.SellRates[strings.TrimPrefix(k, "OTC_SELL_RATE_")] = d
		}
	}
	// the desk quotes USDT/NGN both ways out of the box
	if _, ok := cfg.BuyRates["USDT_NGN"]; !ok {
		cfg.BuyRates["USDT_NGN"] = decimal.NewFromInt(1600)
	}
	if _, ok := cfg.SellRates["USDT_NGN"]; !ok {
		cfg.SellRates["USDT_NGN"] = decimal.NewFromInt(1650)
	}
	return cfg
}

// IsAdmin reports whether phone is one of the configured owner phones.
func (c Config) IsAdmin(phone string) bool {
	p := NormalizePhone(phone)
	if p == "" {
		return false
	}
	for _, a := range c.AdminPhones {
		if a == p {
			return true
		}
	}
	return false
}

// WithdrawFee returns the flat network/service fee for currency; fiat and unknown coins are free.
func (c Config) WithdrawFee(currency string) decimal.Decimal {
	if fee, ok := c.WithdrawFees[strings.ToUpper(currency)]; ok {
		return fee
	}
	return decimal.Zero
}

// ChainsFor returns the chains that accept deposits of coin, sorted.
func ChainsFor(coin string) []string {
	var out []string
	for chain, coins := range DepositAddresses {
		if _, ok := coins[coin]; ok {
			out = append(out, chain)
		}
	}
	sort.Strings(out)
	return out
}

// DepositAddress returns the static address for coin on chain.
func DepositAddress(coin, chain string) (string, bool) {
	addr, ok := DepositAddresses[chain][coin]
	return addr, ok
}

func IsCoin(code string) bool {
	for _, c := range Coins {
		if c == code {
			return true
		}
	}
	return false
}

// NormalizeCurrency upper-cases and trims a currency code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormalizePhone strips transport prefixes and formatting, keeping a leading '+'.
func NormalizePhone(phone string) string {
	p := strings.TrimSpace(phone)
	p = strings.TrimPrefix(p, "whatsapp:")
	var b strings.Builder
	for i, r := range p {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func splitPhones(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if n := NormalizePhone(p); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func getDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return d
}

var giftcardRegions = map[string]string{
	"US": "USD", "USA": "USD", "USD": "USD",
	"UK": "GBP", "GB": "GBP", "GBP": "GBP",
	"EU": "EUR", "EUR": "EUR", "DE": "EUR", "FR": "EUR",
	"CA": "CAD", "CAD": "CAD", "CANADA": "CAD",
}

// GiftcardCurrency maps a card region as typed by the user to the wallet
// currency its value is credited in.
func GiftcardCurrency(region string) (string, bool) {
	c, ok := giftcardRegions[NormalizeCurrency(region)]
	return c, ok
}
