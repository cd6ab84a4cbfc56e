package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
)

type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		if err != nil {
			return err
		}
		return nil
	default:
		return errors.New("invalid duration")
	}
}

type Configuration struct {
	APIToken       string   `json:"apiToken" validate:"required"`
	APIBaseURL     string   `json:"apiBaseURL" validate:"required,url"`
	Workers        int      `json:"workers" validate:"min=1,max=64"`
	BatchSize      int      `json:"batchSize" validate:"min=5,max=50"`
	Cooldown       Duration `json:"cooldown"`
	MaxRetries     int      `json:"maxRetries" validate:"min=0,max=20"`
	RetryBaseDelay Duration `json:"retryBaseDelay"`
	RetryMaxDelay  Duration `json:"retryMaxDelay"`
	ReadTimeout    Duration `json:"readTimeout"`
	WriteTimeout   Duration `json:"writeTimeout"`
	AuditComment   string   `json:"auditComment" validate:"max=100"`

	TrackingPath    string `json:"trackingPath" validate:"required"`
	TrackingBackend string `json:"trackingBackend" validate:"oneof=csv bolt"`
	ReportsDir      string `json:"reportsDir" validate:"required"`
	ReportFormat    string `json:"reportFormat" validate:"oneof=csv json"`
	LogFile         string `json:"logFile"`
	UserMapPath     string `json:"userMapPath"`

	DnsServer         string   `json:"dnsServer" validate:"omitempty,hostname_port"`
	DnsConnectTimeout Duration `json:"dnsConnectTimeout"`
	DnsTimeout        Duration `json:"dnsTimeout"`
	DnsCacheTimeout   Duration `json:"dnsCacheTimeout"`
}

// Defaults mirrors the values the tool has always shipped with.
func Defaults() Configuration {
	return Configuration{
		APIBaseURL:      "https://api.cloudflare.com/client/v4",
		Workers:         6,
		BatchSize:       50,
		Cooldown:        Duration{Duration: 15 * time.Second},
		MaxRetries:      10,
		RetryBaseDelay:  Duration{Duration: 1 * time.Second},
		RetryMaxDelay:   Duration{Duration: 120 * time.Second},
		ReadTimeout:     Duration{Duration: 30 * time.Second},
		WriteTimeout:    Duration{Duration: 10 * time.Second},
		AuditComment:    "Updated by Automation",
		TrackingPath:    "processed_domains.csv",
		TrackingBackend: "csv",
		ReportsDir:      "reports",
		ReportFormat:    "csv",
		DnsServer:       "1.1.1.1:53",
		DnsConnectTimeout: Duration{
			Duration: 1 * time.Second,
		},
		DnsTimeout: Duration{
			Duration: 10 * time.Second,
		},
		DnsCacheTimeout: Duration{
			Duration: 1 * time.Hour,
		},
	}
}

func GetConfig(defaults Configuration, f string) (*Configuration, error) {
	if f == "" {
		return nil, fmt.Errorf("please provide a valid config file")
	}

	b, err := os.ReadFile(f) // nolint: gosec
	if err != nil {
		return nil, err
	}
	reader := bytes.NewReader(b)

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	if err = decoder.Decode(&defaults); err != nil {
		return nil, err
	}

	return &defaults, nil
}

// Load reads the optional config file, applies environment overrides and
// validates the result. The returned configuration must not be modified
// afterwards.
func Load(defaults Configuration, f string, lookupEnv func(string) (string, bool)) (*Configuration, error) {
	c := &defaults
	if f != "" {
		var err error
		c, err = GetConfig(defaults, f)
		if err != nil {
			return nil, fmt.Errorf("could not read %s: %w", f, err)
		}
	}

	if lookupEnv != nil {
		if err := c.applyEnv(lookupEnv); err != nil {
			return nil, err
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Configuration) applyEnv(lookupEnv func(string) (string, bool)) error {
	// later entries win, so TRACKING_PATH beats the legacy TRACKING_CSV_PATH
	strs := []struct {
		name string
		dst  *string
	}{
		{"CLOUDFLARE_API_TOKEN", &c.APIToken},
		{"TRACKING_CSV_PATH", &c.TrackingPath},
		{"TRACKING_PATH", &c.TrackingPath},
		{"REPORTS_DIR", &c.ReportsDir},
		{"LOG_FILE_PATH", &c.LogFile},
		{"USER_MAP_PATH", &c.UserMapPath},
	}
	for _, s := range strs {
		if v, ok := lookupEnv(s.name); ok && strings.TrimSpace(v) != "" {
			*s.dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"MAX_WORKERS": &c.Workers,
		"BATCH_SIZE":  &c.BatchSize,
	}
	var result *multierror.Error
	for name, dst := range ints {
		v, ok := lookupEnv(name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("invalid value for %s: %w", name, err))
			continue
		}
		*dst = i
	}

	// COOLDOWN_SLEEP has always been plain seconds
	if v, ok := lookupEnv("COOLDOWN_SLEEP"); ok && strings.TrimSpace(v) != "" {
		secs, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("invalid value for COOLDOWN_SLEEP: %w", err))
		} else {
			c.Cooldown = Duration{Duration: time.Duration(secs) * time.Second}
		}
	}

	return result.ErrorOrNil()
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate returns every problem with the configuration at once.
func (c *Configuration) Validate() error {
	var result *multierror.Error

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			result = multierror.Append(result, fmt.Errorf("invalid value for %s: failed %q check", fe.Field(), fe.Tag()))
		}
	}

	durations := map[string]Duration{
		"readTimeout":  c.ReadTimeout,
		"writeTimeout": c.WriteTimeout,
		"dnsTimeout":   c.DnsTimeout,
	}
	for name, d := range durations {
		if d.Duration <= 0 {
			result = multierror.Append(result, fmt.Errorf("invalid value for %s: must be positive", name))
		}
	}
	if c.Cooldown.Duration < 0 {
		result = multierror.Append(result, errors.New("invalid value for cooldown: must not be negative"))
	}
	if c.RetryBaseDelay.Duration < 0 || c.RetryMaxDelay.Duration < c.RetryBaseDelay.Duration {
		result = multierror.Append(result, errors.New("invalid retry delays: need 0 <= retryBaseDelay <= retryMaxDelay"))
	}

	return result.ErrorOrNil()
}
