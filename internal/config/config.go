package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env         string `mapstructure:"ENV"`
	Port        string `mapstructure:"PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	CORSAllowed string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	WebhookSecret string `mapstructure:"WEBHOOK_SECRET"`

	Timezone       string  `mapstructure:"TIMEZONE"`
	BusinessOpen   string  `mapstructure:"BUSINESS_OPEN"`
	BusinessClose  string  `mapstructure:"BUSINESS_CLOSE"`
	BusinessDays   string  `mapstructure:"BUSINESS_DAYS"`
	SLAHoursSMS    float64 `mapstructure:"SLA_HOURS_SMS"`
	SLAHoursCall   float64 `mapstructure:"SLA_HOURS_CALL"`
	EscalationHours float64 `mapstructure:"ESCALATION_HOURS"`

	CRMBaseURL    string        `mapstructure:"CRM_BASE_URL"`
	CRMAppBase    string        `mapstructure:"CRM_APP_BASE"`
	CRMToken      string        `mapstructure:"CRM_TOKEN"`
	CRMLocationID string        `mapstructure:"CRM_LOCATION_ID"`
	CRMVersion    string        `mapstructure:"CRM_VERSION"`
	CRMTimeout    time.Duration `mapstructure:"CRM_TIMEOUT"`

	ManagerContactIDs string `mapstructure:"MANAGER_CONTACT_IDS"`
	OperatorIDs       string `mapstructure:"OPERATOR_IDS"`

	AckEnabled     bool    `mapstructure:"ACK_ENABLED"`
	AckWindowMode  string  `mapstructure:"ACK_WINDOW_MODE"` // business_day | hours
	AckWindowHours float64 `mapstructure:"ACK_WINDOW_HOURS"`

	ClassifierURL        string        `mapstructure:"CLASSIFIER_URL"`
	ClassifierModel      string        `mapstructure:"CLASSIFIER_MODEL"`
	ClassifierAPIKey     string        `mapstructure:"CLASSIFIER_API_KEY"`
	ClassifierThreshold  float64       `mapstructure:"CLASSIFIER_THRESHOLD"`
	ClassifierMaxPerRun  int           `mapstructure:"CLASSIFIER_MAX_PER_RUN"`
	ClassifierMaxRunTime time.Duration `mapstructure:"CLASSIFIER_MAX_RUN_TIME"`
	ClassifierSilenceGap time.Duration `mapstructure:"CLASSIFIER_SILENCE_GAP"`
	ClassifierMaxMsgs    int           `mapstructure:"CLASSIFIER_MAX_MESSAGES"`

	SummaryMaxItems int `mapstructure:"SUMMARY_MAX_ITEMS_PER_SECTION"`

	PollSchedule       string `mapstructure:"POLL_SCHEDULE"`
	VerifySchedule     string `mapstructure:"VERIFY_SCHEDULE"`
	SummarySchedule    string `mapstructure:"SUMMARY_SCHEDULE"`
	EscalationSchedule string `mapstructure:"ESCALATION_SCHEDULE"`
}

func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	_ = v.ReadInConfig()

	v.SetDefault("ENV", "dev")
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	v.SetDefault("TIMEZONE", "America/Chicago")
	v.SetDefault("BUSINESS_OPEN", "09:00")
	v.SetDefault("BUSINESS_CLOSE", "18:00")
	v.SetDefault("BUSINESS_DAYS", "Mon,Tue,Wed,Thu,Fri")
	v.SetDefault("SLA_HOURS_SMS", 2.0)
	v.SetDefault("SLA_HOURS_CALL", 2.0)
	v.SetDefault("ESCALATION_HOURS", 24.0)

	v.SetDefault("CRM_BASE_URL", "https://services.leadconnectorhq.com")
	v.SetDefault("CRM_APP_BASE", "https://app.gohighlevel.com")
	v.SetDefault("CRM_VERSION", "2021-07-28")
	v.SetDefault("CRM_TIMEOUT", "20s")

	v.SetDefault("ACK_ENABLED", true)
	v.SetDefault("ACK_WINDOW_MODE", "business_day")
	v.SetDefault("ACK_WINDOW_HOURS", 4.0)

	v.SetDefault("CLASSIFIER_THRESHOLD", 0.90)
	v.SetDefault("CLASSIFIER_MAX_PER_RUN", 10)
	v.SetDefault("CLASSIFIER_MAX_RUN_TIME", "30s")
	v.SetDefault("CLASSIFIER_SILENCE_GAP", "12h")
	v.SetDefault("CLASSIFIER_MAX_MESSAGES", 20)

	v.SetDefault("SUMMARY_MAX_ITEMS_PER_SECTION", 8)

	v.SetDefault("POLL_SCHEDULE", "*/5 * * * *")
	v.SetDefault("VERIFY_SCHEDULE", "*/10 * * * *")
	v.SetDefault("SUMMARY_SCHEDULE", "0 8,11,15 * * *")
	v.SetDefault("ESCALATION_SCHEDULE", "30 * * * *")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.validate()
}

// validate rejects the settings the engine cannot safely default.
func (c Config) validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if strings.TrimSpace(c.WebhookSecret) == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(c.CRMToken) == "" && c.Env != "dev" {
		return fmt.Errorf("CRM_TOKEN is required outside dev")
	}
	if strings.TrimSpace(c.CRMLocationID) == "" && c.Env != "dev" {
		return fmt.Errorf("CRM_LOCATION_ID is required outside dev")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	if c.SLAHoursSMS <= 0 || c.SLAHoursCall <= 0 {
		return fmt.Errorf("SLA hours must be positive")
	}
	switch c.AckWindowMode {
	case "business_day", "hours":
	default:
		return fmt.Errorf("ACK_WINDOW_MODE must be business_day or hours, got %q", c.AckWindowMode)
	}
	return nil
}

// ManagerIDs returns the parsed manager recipient list.
func (c Config) ManagerIDs() []string {
	return splitList(c.ManagerContactIDs)
}

// OperatorAllowList returns the internal operator contact-id allow-list.
func (c Config) OperatorAllowList() []string {
	return splitList(c.OperatorIDs)
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ParseHHMM parses a "15:04" time-of-day value; ok is false on bad input so
// callers can fall back to the default business window.
func ParseHHMM(s string) (hour, minute int, ok bool) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, false
	}
	return t.Hour(), t.Minute(), true
}

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

// ParseDays turns "Mon,Tue,..." into a weekday set. Unknown tokens are
// skipped; an empty result lets the clock fall back to its default.
func ParseDays(raw string) [7]bool {
	var days [7]bool
	for _, s := range splitList(raw) {
		key := strings.ToLower(s)
		if len(key) > 3 {
			key = key[:3]
		}
		if wd, ok := dayNames[key]; ok {
			days[wd] = true
		}
	}
	return days
}
