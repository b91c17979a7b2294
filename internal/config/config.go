// Package config
package config

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/amirphl/trend-sim/internal/fill"
	"github.com/amirphl/trend-sim/internal/instrument"
	"github.com/amirphl/trend-sim/internal/position"
)

/*
YAML config example:
symbols: ["BTC-USDT", "ETH-USDT"]
dataset_driver: "sqlite"
dataset_path: "data/bars.db"
from: "2020-01-01"
to: "2024-01-01"
seed: 42
starting_cash: 10000
order_size: 1.0
commission_percent: 0.1
preset: "strict"
signal_period: 20
strategy:
  strategy: "trail-entry-high"
  atr_period: 14
  atr_mult: 3.0
instruments:
  BTC-USDT: { symbol: "BTC-USDT", tick_size: 0.01, lot_size: 0.0001 }
*/

// Preset is one named execution configuration: path policy, slippage model,
// priority policy, and the optional liquidity cap.
type Preset struct {
	PathPolicy        string  `yaml:"path_policy"`
	PriorityPolicy    string  `yaml:"priority_policy"`
	SlippageModel     string  `yaml:"slippage_model"` // none, percent, range, noise
	SlippagePercent   float64 `yaml:"slippage_percent"`
	SlippageFraction  float64 `yaml:"slippage_fraction"`
	SlippageJitter    float64 `yaml:"slippage_jitter"`
	MaxVolumeFraction float64 `yaml:"max_volume_fraction"`
	RemainderPolicy   string  `yaml:"remainder_policy"`
}

// BuiltinPresets are the named execution presets selectable by callers.
// "strict" is the research default: worst-case path, percent slippage.
var BuiltinPresets = map[string]Preset{
	"strict": {
		PathPolicy:      "worst-case",
		PriorityPolicy:  "fifo",
		SlippageModel:   "percent",
		SlippagePercent: 0.05,
		RemainderPolicy: "carry",
	},
	"optimistic": {
		PathPolicy:      "best-case",
		PriorityPolicy:  "fifo",
		SlippageModel:   "none",
		RemainderPolicy: "carry",
	},
	"neutral": {
		PathPolicy:      "deterministic",
		PriorityPolicy:  "fifo",
		SlippageModel:   "percent",
		SlippagePercent: 0.05,
		RemainderPolicy: "carry",
	},
	"thin-liquidity": {
		PathPolicy:        "worst-case",
		PriorityPolicy:    "fifo",
		SlippageModel:     "range",
		SlippageFraction:  0.1,
		MaxVolumeFraction: 0.1,
		RemainderPolicy:   "carry",
	},
}

type Config struct {
	Symbols           []string                         `yaml:"symbols"`
	DatasetDriver     string                           `yaml:"dataset_driver"` // csv, sqlite, wallex
	DatasetPath       string                           `yaml:"dataset_path"`
	WallexAPIKey      string                           `yaml:"wallex_api_key"`
	From              time.Time                        `yaml:"-"`
	To                time.Time                        `yaml:"-"`
	FromStr           string                           `yaml:"from"`
	ToStr             string                           `yaml:"to"`
	Seed              int64                            `yaml:"seed"`
	StartingCash      float64                          `yaml:"starting_cash"`
	OrderSize         float64                          `yaml:"order_size"`
	CommissionPercent float64                          `yaml:"commission_percent"`
	CloseOnSignal     bool                             `yaml:"close_on_signal"`
	EquityTolerance   float64                          `yaml:"equity_tolerance"`
	Parallelism       int                              `yaml:"parallelism"`
	PresetName        string                           `yaml:"preset"`
	Presets           map[string]Preset                `yaml:"presets"`
	SignalPeriod      int                              `yaml:"signal_period"`
	Strategy          position.Params                  `yaml:"strategy"`
	Instruments       map[string]instrument.Instrument `yaml:"instruments"`
	PostgresConnStr   string                           `yaml:"postgres_conn_str"`
	LogLevel          string                           `yaml:"log_level"`
}

// Load builds the config from flags and an optional YAML file. Flags win
// over file values only when the file omits them; the file is authoritative
// for everything it sets, matching how runs are reproduced from a checked-in
// config.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("trend-sim", flag.ContinueOnError)
	configFile := fs.String("config", "", "Path to YAML config file")
	symbolsFlag := fs.String("symbols", "BTC-USDT", "Comma-separated list of symbols")
	driver := fs.String("dataset-driver", "csv", "Dataset driver: csv, sqlite, or wallex")
	datasetPath := fs.String("dataset-path", "data", "Dataset directory (csv) or file (sqlite)")
	from := fs.String("from", time.Now().AddDate(-2, 0, 0).Format("2006-01-02"), "Start date (YYYY-MM-DD)")
	to := fs.String("to", time.Now().Format("2006-01-02"), "End date (YYYY-MM-DD)")
	seed := fs.Int64("seed", 1, "Run seed")
	startingCash := fs.Float64("starting-cash", 10000, "Starting cash")
	orderSize := fs.Float64("order-size", 1.0, "Order size (quantity) per entry")
	commission := fs.Float64("commission-percent", 0.0, "Commission percent per fill")
	closeOnSignal := fs.Bool("close-on-signal", false, "Fill entries at the signal bar's close")
	parallelism := fs.Int("parallelism", 4, "Concurrent symbol runs")
	preset := fs.String("preset", "strict", "Execution preset: strict, optimistic, neutral, thin-liquidity")
	signalPeriod := fs.Int("signal-period", 20, "Breakout signal lookback")
	strategyName := fs.String("strategy", "trail-entry-high", "Stop strategy variant")
	atrPeriod := fs.Int("atr-period", 14, "ATR period")
	atrMult := fs.Float64("atr-mult", 3.0, "ATR multiple for stop width")
	extremePeriod := fs.Int("extreme-period", 20, "Rolling extreme period")
	percent := fs.Float64("stop-percent", 0.0, "Percent for percent-based stops")
	maxHoldBars := fs.Int("max-hold-bars", 0, "Max holding period in bars")
	logLevel := fs.String("log-level", "info", "Log level")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Symbols:           strings.Split(*symbolsFlag, ","),
		DatasetDriver:     *driver,
		DatasetPath:       *datasetPath,
		FromStr:           *from,
		ToStr:             *to,
		Seed:              *seed,
		StartingCash:      *startingCash,
		OrderSize:         *orderSize,
		CommissionPercent: *commission,
		CloseOnSignal:     *closeOnSignal,
		Parallelism:       *parallelism,
		PresetName:        *preset,
		SignalPeriod:      *signalPeriod,
		LogLevel:          *logLevel,
		Strategy: position.Params{
			Strategy:      *strategyName,
			ATRPeriod:     *atrPeriod,
			ATRMult:       *atrMult,
			ExtremePeriod: *extremePeriod,
			Percent:       *percent,
			MaxHoldBars:   *maxHoldBars,
		},
	}

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}

	fromTime, err := time.Parse("2006-01-02", cfg.FromStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid from date %q: %w", cfg.FromStr, err)
	}
	toTime, err := time.Parse("2006-01-02", cfg.ToStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid to date %q: %w", cfg.ToStr, err)
	}
	cfg.From, cfg.To = fromTime, toTime

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Preset resolves the active execution preset: user-defined presets shadow
// the builtins.
func (c Config) Preset() (Preset, error) {
	if p, ok := c.Presets[c.PresetName]; ok {
		return p, nil
	}
	if p, ok := BuiltinPresets[c.PresetName]; ok {
		return p, nil
	}
	return Preset{}, fmt.Errorf("unknown execution preset %q", c.PresetName)
}

// Instrument returns the instrument definition for a symbol, with a
// defensive default grid when the config omits one.
func (c Config) Instrument(symbol string) instrument.Instrument {
	if ins, ok := c.Instruments[symbol]; ok {
		return ins
	}
	return instrument.Instrument{Symbol: symbol, TickSize: 0.01, LotSize: 0.0001}
}

// Validate fails before any bar is processed.
func (c Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	if c.StartingCash <= 0 {
		return fmt.Errorf("starting cash must be positive, got %v", c.StartingCash)
	}
	if c.OrderSize <= 0 {
		return fmt.Errorf("order size must be positive, got %v", c.OrderSize)
	}
	if c.CommissionPercent < 0 {
		return fmt.Errorf("commission percent cannot be negative, got %v", c.CommissionPercent)
	}
	if c.SignalPeriod <= 0 {
		return fmt.Errorf("signal period must be positive, got %d", c.SignalPeriod)
	}
	if !c.To.After(c.From) {
		return fmt.Errorf("date range is empty: from %s, to %s", c.FromStr, c.ToStr)
	}
	if err := c.Strategy.Validate(); err != nil {
		return fmt.Errorf("strategy config: %w", err)
	}
	p, err := c.Preset()
	if err != nil {
		return err
	}
	if _, err := p.FillConfig(nil); err != nil {
		return err
	}
	for sym, ins := range c.Instruments {
		if err := ins.Validate(); err != nil {
			return fmt.Errorf("instrument %s: %w", sym, err)
		}
	}
	return nil
}

// FillConfig materializes the preset into an engine configuration. rng is
// the symbol's sub-seeded RNG, used only by the noise slippage model; nil is
// fine for the other models.
func (p Preset) FillConfig(rng *rand.Rand) (fill.Config, error) {
	path, err := fill.ParsePathPolicy(p.PathPolicy)
	if err != nil {
		return fill.Config{}, err
	}
	prio, err := fill.ParsePriorityPolicy(p.PriorityPolicy)
	if err != nil {
		return fill.Config{}, err
	}
	remainder, err := fill.ParseRemainderPolicy(p.RemainderPolicy)
	if err != nil {
		return fill.Config{}, err
	}
	if p.MaxVolumeFraction < 0 || p.MaxVolumeFraction > 1 {
		return fill.Config{}, fmt.Errorf("max volume fraction must be in [0,1], got %v", p.MaxVolumeFraction)
	}

	var slip fill.SlippageModel
	switch p.SlippageModel {
	case "", "none":
		slip = fill.NoSlippage{}
	case "percent":
		slip = fill.PercentSlippage{Percent: p.SlippagePercent}
	case "range":
		slip = fill.RangeSlippage{Fraction: p.SlippageFraction}
	case "noise":
		slip = fill.NoiseSlippage{Percent: p.SlippagePercent, Jitter: p.SlippageJitter, Rng: rng}
	default:
		return fill.Config{}, fmt.Errorf("unknown slippage model %q", p.SlippageModel)
	}

	return fill.Config{
		Path:              path,
		Priority:          prio,
		Slippage:          slip,
		MaxVolumeFraction: p.MaxVolumeFraction,
		Remainder:         remainder,
	}, nil
}
