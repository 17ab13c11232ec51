package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/sosodev/duration"

	"github.com/hunter-volkman/stock-report/pkg/schedule"
)

const defaultConfigFileName = "stock-report.toml"

// Aggregation methods accepted by export.method.
var ExportMethods = []string{"min", "max", "avg", "first", "last", "pct95", "pct99"}

type TelemetryConfig struct {
	BaseURL  string `toml:"base_url"`
	APIKey   string `toml:"api_key,omitempty"`
	OrgID    string `toml:"org_id"`
	Resource string `toml:"resource"`
	PageSize int    `toml:"page_size,omitempty"`
}

type ExportConfig struct {
	Period      string   `toml:"period"`
	Method      string   `toml:"method"`
	KeyFilter   string   `toml:"key_filter"`
	Template    string   `toml:"template"`
	ImportSheet string   `toml:"import_sheet"`
	SortedSheet string   `toml:"sorted_sheet"`
	PruneSheets []string `toml:"prune_sheets"`
	ColumnBound string   `toml:"column_bound"`
}

type ScheduleConfig struct {
	ProcessTime     string   `toml:"process_time,omitempty"`
	SendTime        string   `toml:"send_time"`
	HoursWeekdays   []string `toml:"hours_weekdays"`
	HoursWeekends   []string `toml:"hours_weekends"`
	CaptureWeekdays []string `toml:"capture_weekdays"`
	CaptureWeekends []string `toml:"capture_weekends"`
}

type SendGridConfig struct {
	APIKey string `toml:"api_key,omitempty"`
}

type SMTPConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username,omitempty"`
	Password string `toml:"password,omitempty"`
}

type MailConfig struct {
	Driver      string         `toml:"driver"`
	SenderEmail string         `toml:"sender_email"`
	SenderName  string         `toml:"sender_name"`
	Recipients  []string       `toml:"recipients"`
	TeleopURL   string         `toml:"teleop_url,omitempty"`
	SendGrid    SendGridConfig `toml:"sendgrid"`
	SMTP        SMTPConfig     `toml:"smtp"`
}

type CameraConfig struct {
	Enabled  bool   `toml:"enabled"`
	BaseURL  string `toml:"base_url,omitempty"`
	APIKey   string `toml:"api_key,omitempty"`
	Resource string `toml:"resource,omitempty"`
}

type MonitorConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

type Config struct {
	Location string `toml:"location"`
	Timezone string `toml:"timezone"`
	DataDir  string `toml:"data_dir"`

	Telemetry TelemetryConfig `toml:"telemetry"`
	Export    ExportConfig    `toml:"export"`
	Schedule  ScheduleConfig  `toml:"schedule"`
	Mail      MailConfig      `toml:"mail"`
	Camera    CameraConfig    `toml:"camera"`
	Monitor   MonitorConfig   `toml:"monitor"`
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "stock-report", defaultConfigFileName)
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "stock-report-data"
	}
	return filepath.Join(home, ".local", "state", "stock-report")
}

func NewDefault() *Config {
	return &Config{
		Timezone: "UTC",
		Telemetry: TelemetryConfig{
			Resource: "langer_fill",
			PageSize: 1000,
		},
		Export: ExportConfig{
			Period:      "PT5M",
			Method:      "pct99",
			KeyFilter:   ".*_raw",
			ImportSheet: "Raw Import",
			SortedSheet: "Sorted Raw",
			PruneSheets: []string{"Sorted Raw", "Calibrated Values", "Bounded Calibrated", "Empty Shelf Tracker"},
			ColumnBound: "X",
		},
		Schedule: ScheduleConfig{
			SendTime:        "20:30",
			HoursWeekdays:   []string{"07:00", "19:30"},
			HoursWeekends:   []string{"08:00", "17:00"},
			CaptureWeekdays: []string{"07:00", "08:00", "10:00", "12:00", "14:00", "16:00", "18:00"},
			CaptureWeekends: []string{"08:00", "09:00", "11:00", "16:00"},
		},
		Mail: MailConfig{
			Driver:      "sendgrid",
			SenderEmail: "no-reply@example.com",
			SenderName:  "Stock Report",
			Recipients:  []string{},
			SMTP: SMTPConfig{
				Host: "smtp.gmail.com",
				Port: 587,
			},
		},
		Camera: CameraConfig{
			Enabled: false,
		},
		Monitor: MonitorConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8707",
		},
	}
}

// defaultFileTemplate is the first-run config file. Values must stay
// in sync with NewDefault.
const defaultFileTemplate = `# stock-report configuration. Fill in location, telemetry.base_url,
# telemetry.org_id, export.template and the mail section, then re-run.

location = ""                 # store name, also keys workbook filenames
timezone = "UTC"              # IANA name, e.g. America/New_York
data_dir = ""                 # default ~/.local/state/stock-report

[telemetry]
base_url = ""                 # query API root
api_key = ""
org_id = ""
resource = "langer_fill"
page_size = 1000

[export]
period = "PT5M"               # ISO 8601 bucket duration
method = "pct99"              # min|max|avg|first|last|pct95|pct99
key_filter = ".*_raw"         # prefix regex over field names, "" keeps all
template = ""                 # path to the template workbook
import_sheet = "Raw Import"
sorted_sheet = "Sorted Raw"
prune_sheets = ["Sorted Raw", "Calibrated Values", "Bounded Calibrated", "Empty Shelf Tracker"]
column_bound = "X"

[schedule]
# Processing starts one hour before send_time unless configured.
send_time = "20:30"
hours_weekdays = ["07:00", "19:30"]
hours_weekends = ["08:00", "17:00"]
capture_weekdays = ["07:00", "08:00", "10:00", "12:00", "14:00", "16:00", "18:00"]
capture_weekends = ["08:00", "09:00", "11:00", "16:00"]

[mail]
driver = "sendgrid"           # sendgrid|smtp|none
sender_email = "no-reply@example.com"
sender_name = "Stock Report"
recipients = []
teleop_url = ""               # optional live-view link in the report body

[mail.sendgrid]
api_key = ""

[mail.smtp]
host = "smtp.gmail.com"
port = 587
username = ""
password = ""

[camera]
enabled = false
base_url = ""
api_key = ""
resource = ""

[monitor]
enabled = true
listen = "127.0.0.1:8707"
`

func Load(path string) (*Config, error) {
	cfg := NewDefault()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrCreate writes a commented default config when path does not
// exist yet. The created file still needs the required fields filled in
// before it validates, so the returned error tells a first-time user
// what to set.
func LoadOrCreate(path string) (*Config, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, []byte(defaultFileTemplate), 0o600); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	return Load(path)
}

// Resolved returns the effective config for path without validating,
// so broken or incomplete files can still be inspected. A missing file
// yields the defaults.
func Resolved(path string) (*Config, error) {
	cfg := NewDefault()
	if _, err := os.Stat(path); err == nil {
		if err := load(path, cfg); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Render encodes cfg in the same TOML layout Save writes.
func Render(cfg *Config) ([]byte, error) {
	return marshalTOML(cfg)
}

func load(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse toml: %w", err)
	}
	return nil
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *Config) Normalize() {
	c.Location = strings.TrimSpace(c.Location)
	c.Timezone = strings.TrimSpace(c.Timezone)
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}

	c.Telemetry.BaseURL = strings.TrimSpace(c.Telemetry.BaseURL)
	c.Telemetry.APIKey = strings.TrimSpace(c.Telemetry.APIKey)
	c.Telemetry.OrgID = strings.TrimSpace(c.Telemetry.OrgID)
	c.Telemetry.Resource = strings.TrimSpace(c.Telemetry.Resource)
	if c.Telemetry.Resource == "" {
		c.Telemetry.Resource = "langer_fill"
	}
	if c.Telemetry.PageSize <= 0 {
		c.Telemetry.PageSize = 1000
	}

	c.Export.Period = strings.TrimSpace(c.Export.Period)
	if c.Export.Period == "" {
		c.Export.Period = "PT5M"
	}
	c.Export.Method = strings.ToLower(strings.TrimSpace(c.Export.Method))
	if c.Export.Method == "" {
		c.Export.Method = "pct99"
	}
	c.Export.KeyFilter = strings.TrimSpace(c.Export.KeyFilter)
	c.Export.Template = strings.TrimSpace(c.Export.Template)
	c.Export.ImportSheet = strings.TrimSpace(c.Export.ImportSheet)
	if c.Export.ImportSheet == "" {
		c.Export.ImportSheet = "Raw Import"
	}
	c.Export.SortedSheet = strings.TrimSpace(c.Export.SortedSheet)
	if c.Export.SortedSheet == "" {
		c.Export.SortedSheet = "Sorted Raw"
	}
	sheets := make([]string, 0, len(c.Export.PruneSheets))
	for _, s := range c.Export.PruneSheets {
		if s = strings.TrimSpace(s); s != "" {
			sheets = append(sheets, s)
		}
	}
	c.Export.PruneSheets = sheets
	c.Export.ColumnBound = strings.ToUpper(strings.TrimSpace(c.Export.ColumnBound))
	if c.Export.ColumnBound == "" {
		c.Export.ColumnBound = "X"
	}

	c.Schedule.ProcessTime = strings.TrimSpace(c.Schedule.ProcessTime)
	c.Schedule.SendTime = strings.TrimSpace(c.Schedule.SendTime)
	if c.Schedule.SendTime == "" {
		c.Schedule.SendTime = "20:30"
	}
	if c.Schedule.ProcessTime == "" {
		if send, err := schedule.ParseTimeOfDay(c.Schedule.SendTime); err == nil {
			mins := send.Minutes() - 60
			if mins < 0 {
				mins += 24 * 60
			}
			c.Schedule.ProcessTime = fmt.Sprintf("%02d:%02d", mins/60, mins%60)
		}
	}

	c.Mail.Driver = strings.ToLower(strings.TrimSpace(c.Mail.Driver))
	if c.Mail.Driver == "" {
		c.Mail.Driver = "sendgrid"
	}
	c.Mail.SenderEmail = strings.TrimSpace(c.Mail.SenderEmail)
	c.Mail.SenderName = strings.TrimSpace(c.Mail.SenderName)
	c.Mail.TeleopURL = strings.TrimSpace(c.Mail.TeleopURL)
	recipients := make([]string, 0, len(c.Mail.Recipients))
	for _, r := range c.Mail.Recipients {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	c.Mail.Recipients = recipients
	c.Mail.SendGrid.APIKey = strings.TrimSpace(c.Mail.SendGrid.APIKey)
	c.Mail.SMTP.Host = strings.TrimSpace(c.Mail.SMTP.Host)
	if c.Mail.SMTP.Port == 0 {
		c.Mail.SMTP.Port = 587
	}

	c.Camera.BaseURL = strings.TrimSpace(c.Camera.BaseURL)
	c.Camera.APIKey = strings.TrimSpace(c.Camera.APIKey)
	c.Camera.Resource = strings.TrimSpace(c.Camera.Resource)

	c.Monitor.Listen = strings.TrimSpace(c.Monitor.Listen)
	if c.Monitor.Listen == "" {
		c.Monitor.Listen = "127.0.0.1:8707"
	}
}

func (c *Config) Validate() error {
	if c.Location == "" {
		return errors.New("location is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if c.Telemetry.BaseURL == "" {
		return errors.New("telemetry.base_url is required")
	}
	if c.Telemetry.OrgID == "" {
		return errors.New("telemetry.org_id is required")
	}
	if _, err := c.Export.ParsePeriod(); err != nil {
		return err
	}
	validMethod := false
	for _, m := range ExportMethods {
		if c.Export.Method == m {
			validMethod = true
			break
		}
	}
	if !validMethod {
		return fmt.Errorf("export.method %q must be one of %s", c.Export.Method, strings.Join(ExportMethods, ", "))
	}
	if c.Export.Template == "" {
		return errors.New("export.template is required")
	}
	if _, err := schedule.ParseTimeOfDay(c.Schedule.ProcessTime); err != nil {
		return fmt.Errorf("invalid schedule.process_time: %w", err)
	}
	if _, err := schedule.ParseTimeOfDay(c.Schedule.SendTime); err != nil {
		return fmt.Errorf("invalid schedule.send_time: %w", err)
	}
	if _, err := schedule.ParseWindow(c.Schedule.HoursWeekdays); err != nil {
		return fmt.Errorf("invalid schedule.hours_weekdays: %w", err)
	}
	if _, err := schedule.ParseWindow(c.Schedule.HoursWeekends); err != nil {
		return fmt.Errorf("invalid schedule.hours_weekends: %w", err)
	}
	if _, err := parseTimes(c.Schedule.CaptureWeekdays); err != nil {
		return fmt.Errorf("invalid schedule.capture_weekdays: %w", err)
	}
	if _, err := parseTimes(c.Schedule.CaptureWeekends); err != nil {
		return fmt.Errorf("invalid schedule.capture_weekends: %w", err)
	}

	switch c.Mail.Driver {
	case "none":
	case "sendgrid":
		if c.Mail.SendGrid.APIKey == "" {
			return errors.New("mail.sendgrid.api_key is required when mail.driver is sendgrid")
		}
	case "smtp":
		if c.Mail.SMTP.Host == "" {
			return errors.New("mail.smtp.host is required when mail.driver is smtp")
		}
		if c.Mail.SMTP.Port <= 0 || c.Mail.SMTP.Port > 65535 {
			return fmt.Errorf("mail.smtp.port %d out of range", c.Mail.SMTP.Port)
		}
		if c.Mail.SMTP.Username == "" || c.Mail.SMTP.Password == "" {
			return errors.New("mail.smtp.username and mail.smtp.password are required when mail.driver is smtp")
		}
	default:
		return fmt.Errorf("mail.driver %q must be one of sendgrid, smtp, none", c.Mail.Driver)
	}
	if c.Mail.Driver != "none" {
		if c.Mail.SenderEmail == "" {
			return errors.New("mail.sender_email is required")
		}
		if len(c.Mail.Recipients) == 0 {
			return errors.New("mail.recipients cannot be empty")
		}
		for _, r := range c.Mail.Recipients {
			if !strings.Contains(r, "@") {
				return fmt.Errorf("mail recipient %q is not an email address", r)
			}
		}
	}

	if c.Camera.Enabled {
		if c.Camera.BaseURL == "" {
			return errors.New("camera.base_url is required when camera.enabled is true")
		}
		if c.Camera.Resource == "" {
			return errors.New("camera.resource is required when camera.enabled is true")
		}
	}
	return nil
}

// ParsePeriod resolves the ISO 8601 bucket period.
func (c ExportConfig) ParsePeriod() (time.Duration, error) {
	d, err := duration.Parse(c.Period)
	if err != nil {
		return 0, fmt.Errorf("invalid export.period %q: %w", c.Period, err)
	}
	out := d.ToTimeDuration()
	if out <= 0 {
		return 0, fmt.Errorf("export.period %q must be positive", c.Period)
	}
	return out, nil
}

// TimeLocation resolves the configured IANA timezone.
func (c *Config) TimeLocation() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

func (c *Config) WorkbooksDir() string { return filepath.Join(c.DataDir, "workbooks") }
func (c *Config) ImagesDir() string    { return filepath.Join(c.DataDir, "images") }
func (c *Config) HistoryDir() string   { return filepath.Join(c.DataDir, "history") }
func (c *Config) StatePath() string    { return filepath.Join(c.DataDir, "state.json") }
func (c *Config) EventsPath() string   { return filepath.Join(c.DataDir, "events.json") }

func (s ScheduleConfig) Process() (schedule.TimeOfDay, error) {
	return schedule.ParseTimeOfDay(s.ProcessTime)
}

func (s ScheduleConfig) Send() (schedule.TimeOfDay, error) {
	return schedule.ParseTimeOfDay(s.SendTime)
}

// Hours returns the store-hours window for a weekday or weekend day.
func (s ScheduleConfig) Hours(weekday bool) (schedule.Window, error) {
	if weekday {
		return schedule.ParseWindow(s.HoursWeekdays)
	}
	return schedule.ParseWindow(s.HoursWeekends)
}

// CaptureTimes returns the snapshot slots for a weekday or weekend day.
func (s ScheduleConfig) CaptureTimes(weekday bool) ([]schedule.TimeOfDay, error) {
	if weekday {
		return parseTimes(s.CaptureWeekdays)
	}
	return parseTimes(s.CaptureWeekends)
}

func parseTimes(in []string) ([]schedule.TimeOfDay, error) {
	out := make([]schedule.TimeOfDay, 0, len(in))
	for _, s := range in {
		t, err := schedule.ParseTimeOfDay(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
