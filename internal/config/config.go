package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"drivegrid/internal/model"
	"drivegrid/internal/slots"
)

// EnvPrefix prefixes every environment override, e.g. DRIVEGRID_LISTEN.
const EnvPrefix = "DRIVEGRID_"

const (
	SourceICS  = "ics"
	SourceHTTP = "http"

	BroadcastLocal = "local"
	BroadcastRedis = "redis"
)

// BlackoutConfig is a daily interval in which no lesson may start or run.
type BlackoutConfig struct {
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end" json:"end"`
	// RRule limits the days the blackout applies on, e.g.
	// "FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR". Empty means every day.
	RRule string `yaml:"rrule,omitempty" json:"rrule,omitempty"`
}

// ScheduleConfig is the fixed lesson grid.
type ScheduleConfig struct {
	Marks         []string         `yaml:"marks" json:"marks"`
	LessonMinutes int              `yaml:"lesson_minutes" json:"lesson_minutes"`
	Open          string           `yaml:"open" json:"open"`
	Close         string           `yaml:"close" json:"close"`
	Blackouts     []BlackoutConfig `yaml:"blackouts" json:"blackouts"`
}

// GridConfig sizes the horizontal day strip and the hydration margin.
type GridConfig struct {
	// MountedDays is the number of day slots kept mounted.
	MountedDays int     `yaml:"mounted_days" json:"mounted_days"`
	DayWidth    float64 `yaml:"day_width" json:"day_width"`
	PadDays     int     `yaml:"pad_days" json:"pad_days"`
	// HydrationBuffer is the pixel margin around the viewport.
	HydrationBuffer float64 `yaml:"hydration_buffer" json:"hydration_buffer"`
	SettleMillis    int     `yaml:"settle_ms" json:"settle_ms"`
}

// SyncConfig tunes the refresh loop.
type SyncConfig struct {
	LadderSeconds    []int `yaml:"ladder_seconds" json:"ladder_seconds"`
	MinSpacingMillis int   `yaml:"min_spacing_ms" json:"min_spacing_ms"`

	// MaxInteractionSeconds releases a drag that never ended.
	MaxInteractionSeconds int `yaml:"max_interaction_seconds" json:"max_interaction_seconds"`
}

// FeedConfig describes a single ICS subscription.
type FeedConfig struct {
	// URL serves the lesson calendar.
	URL string `yaml:"url" json:"url"`
	// ID names the feed in logs and snapshot validators.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
}

// BreakerConfig guards the HTTP reservation source.
type BreakerConfig struct {
	MaxFailures uint32 `yaml:"max_failures" json:"max_failures"`
	OpenSeconds int    `yaml:"open_seconds" json:"open_seconds"`
}

// SourceConfig selects where reservations come from.
type SourceConfig struct {
	// Kind is "ics" (default) or "http".
	Kind string `yaml:"kind" json:"kind"`
	// URL is the reservations API for kind "http". For kind "ics" it is
	// shorthand for a single feed.
	URL   string       `yaml:"url" json:"url"`
	Token string       `yaml:"token,omitempty" json:"-"`
	Feeds []FeedConfig `yaml:"feeds" json:"feeds"`

	CacheDir   string `yaml:"cache_dir" json:"cache_dir"`
	PastDays   int    `yaml:"past_days" json:"past_days"`
	FutureDays int    `yaml:"future_days" json:"future_days"`

	Breaker BreakerConfig `yaml:"breaker" json:"breaker"`
}

// PushConfig enables the websocket push channel when URL is set.
type PushConfig struct {
	URL  string `yaml:"url" json:"url"`
	Room string `yaml:"room,omitempty" json:"room,omitempty"`
}

// BroadcastConfig selects the cross-instance change channel.
type BroadcastConfig struct {
	Kind      string `yaml:"kind" json:"kind"`
	RedisAddr string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	Channel   string `yaml:"channel,omitempty" json:"channel,omitempty"`
}

type InstructorConfig struct {
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name"`
	Group string `yaml:"group,omitempty" json:"group,omitempty"`
	Car   string `yaml:"car,omitempty" json:"car,omitempty"`
	// Order is an initial position descriptor.
	Order string `yaml:"order,omitempty" json:"order,omitempty"`
}

type StudentConfig struct {
	ID        string `yaml:"id" json:"id"`
	FirstName string `yaml:"first_name" json:"first_name"`
	LastName  string `yaml:"last_name" json:"last_name"`
	Phone     string `yaml:"phone,omitempty" json:"phone,omitempty"`
}

type GroupConfig struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

type CarConfig struct {
	ID    string `yaml:"id" json:"id"`
	Plate string `yaml:"plate" json:"plate"`
}

// DirectoryConfig holds the reference lists shown on the grid.
type DirectoryConfig struct {
	Instructors []InstructorConfig `yaml:"instructors" json:"instructors"`
	Students    []StudentConfig    `yaml:"students" json:"students"`
	Groups      []GroupConfig      `yaml:"groups" json:"groups"`
	Cars        []CarConfig        `yaml:"cars" json:"cars"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the drivegrid.yaml document.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone reservations are displayed in.
	Timezone string `yaml:"timezone" json:"timezone"`

	Schedule  ScheduleConfig  `yaml:"schedule" json:"schedule"`
	Grid      GridConfig      `yaml:"grid" json:"grid"`
	Sync      SyncConfig      `yaml:"sync" json:"sync"`
	Source    SourceConfig    `yaml:"source" json:"source"`
	Push      PushConfig      `yaml:"push" json:"push"`
	Broadcast BroadcastConfig `yaml:"broadcast" json:"broadcast"`

	// RollCron fires the daily roll that re-anchors "today".
	RollCron string `yaml:"roll_cron" json:"roll_cron"`

	// PositionsFile persists instructor position descriptors.
	PositionsFile string `yaml:"positions_file" json:"positions_file"`

	Directory DirectoryConfig `yaml:"directory" json:"directory"`

	// BasicAuth protects every route but /health when set.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig is the document written on first run.
func DefaultConfig() *Config {
	c := &Config{
		Schedule: ScheduleConfig{
			Marks: []string{"08:00", "09:30", "11:00", "13:30", "15:00", "16:30"},
			Blackouts: []BlackoutConfig{
				{Start: "12:30", End: "13:30", RRule: "FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR"},
			},
		},
	}
	c.Normalize()
	return c
}

// Normalize replaces zero or unknown values with defaults.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "Europe/Bucharest"
	}

	if c.Schedule.Marks == nil {
		c.Schedule.Marks = []string{}
	}
	if c.Schedule.LessonMinutes <= 0 {
		c.Schedule.LessonMinutes = 90
	}
	if c.Schedule.Open == "" {
		c.Schedule.Open = "07:00"
	}
	if c.Schedule.Close == "" {
		c.Schedule.Close = "20:00"
	}
	if c.Schedule.Blackouts == nil {
		c.Schedule.Blackouts = []BlackoutConfig{}
	}

	if c.Grid.MountedDays <= 0 {
		c.Grid.MountedDays = 7
	}
	if c.Grid.DayWidth <= 0 {
		c.Grid.DayWidth = 640
	}
	if c.Grid.PadDays < 0 {
		c.Grid.PadDays = 0
	}
	if c.Grid.HydrationBuffer <= 0 {
		c.Grid.HydrationBuffer = 200
	}
	if c.Grid.SettleMillis <= 0 {
		c.Grid.SettleMillis = 150
	}

	if len(c.Sync.LadderSeconds) == 0 {
		c.Sync.LadderSeconds = []int{5, 10, 20, 40, 60}
	}
	if c.Sync.MinSpacingMillis <= 0 {
		c.Sync.MinSpacingMillis = 10_000
	}
	if c.Sync.MaxInteractionSeconds <= 0 {
		c.Sync.MaxInteractionSeconds = 60
	}

	// Unknown kinds fall back to ics rather than failing start-up.
	switch c.Source.Kind {
	case SourceICS, SourceHTTP:
	default:
		c.Source.Kind = SourceICS
	}
	if c.Source.Kind == SourceICS && c.Source.URL != "" && len(c.Source.Feeds) == 0 {
		c.Source.Feeds = []FeedConfig{{ID: "main", URL: c.Source.URL, Name: "Reservations"}}
	}
	if c.Source.Feeds == nil {
		c.Source.Feeds = []FeedConfig{}
	}
	for i := range c.Source.Feeds {
		if c.Source.Feeds[i].ID == "" {
			c.Source.Feeds[i].ID = fmt.Sprintf("feed-%d", i+1)
		}
	}
	if c.Source.CacheDir == "" {
		c.Source.CacheDir = "cache/ics"
	}
	if c.Source.PastDays <= 0 {
		c.Source.PastDays = 60
	}
	if c.Source.FutureDays <= 0 {
		c.Source.FutureDays = 180
	}
	if c.Source.Breaker.MaxFailures == 0 {
		c.Source.Breaker.MaxFailures = 5
	}
	if c.Source.Breaker.OpenSeconds <= 0 {
		c.Source.Breaker.OpenSeconds = 30
	}

	switch c.Broadcast.Kind {
	case BroadcastLocal, BroadcastRedis:
	default:
		c.Broadcast.Kind = BroadcastLocal
	}
	if c.Broadcast.Kind == BroadcastRedis && c.Broadcast.RedisAddr == "" {
		c.Broadcast.RedisAddr = "127.0.0.1:6379"
	}

	if c.RollCron == "" {
		c.RollCron = "5 0 * * *"
	}
	if c.PositionsFile == "" {
		c.PositionsFile = "positions.yaml"
	}
}

// Validate reports settings that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if c.Source.Kind == SourceHTTP && c.Source.URL == "" {
		errs = append(errs, errors.New("source.url is required for kind http"))
	}
	for _, m := range c.Schedule.Marks {
		if _, ok := slots.ParseMark(m); !ok {
			errs = append(errs, fmt.Errorf("schedule.marks: invalid mark %q", m))
		}
	}
	return errors.Join(errs...)
}

// Location loads the display zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SlotSchedule converts the schedule section.
func (c *Config) SlotSchedule() slots.Schedule {
	s := slots.Schedule{
		Marks:    append([]string(nil), c.Schedule.Marks...),
		Duration: time.Duration(c.Schedule.LessonMinutes) * time.Minute,
		Open:     c.Schedule.Open,
		Close:    c.Schedule.Close,
	}
	for _, b := range c.Schedule.Blackouts {
		s.Blackouts = append(s.Blackouts, slots.Blackout{Start: b.Start, End: b.End, RRule: b.RRule})
	}
	return s
}

// BuildDirectory converts the directory section. Instructor positions are
// returned separately as the seed for the position store.
func (c *Config) BuildDirectory() (model.Directory, map[string]string) {
	d := c.Directory
	instructors := make([]model.Instructor, 0, len(d.Instructors))
	seed := make(map[string]string)
	for _, i := range d.Instructors {
		instructors = append(instructors, model.Instructor{ID: i.ID, Name: i.Name, GroupID: i.Group, CarID: i.Car, Order: i.Order})
		if i.Order != "" {
			seed[i.ID] = i.Order
		}
	}
	students := make([]model.Student, 0, len(d.Students))
	for _, s := range d.Students {
		students = append(students, model.Student{ID: s.ID, FirstName: s.FirstName, LastName: s.LastName, Phone: s.Phone})
	}
	groups := make([]model.Group, 0, len(d.Groups))
	for _, g := range d.Groups {
		groups = append(groups, model.Group{ID: g.ID, Name: g.Name})
	}
	cars := make([]model.Car, 0, len(d.Cars))
	for _, car := range d.Cars {
		cars = append(cars, model.Car{ID: car.ID, Plate: car.Plate})
	}
	return model.NewDirectory(instructors, students, groups, cars), seed
}

// envOverrides lists the settings that DRIVEGRID_* variables may override.
// Unset variables leave the loaded value in place.
type envOverrides struct {
	Listen        string `env:"LISTEN"`
	Timezone      string `env:"TIMEZONE"`
	RollCron      string `env:"ROLL_CRON"`
	PositionsFile string `env:"POSITIONS_FILE"`

	Marks         []string `env:"SCHEDULE_MARKS" envSeparator:","`
	LessonMinutes int      `env:"SCHEDULE_LESSON_MINUTES"`
	Open          string   `env:"SCHEDULE_OPEN"`
	Close         string   `env:"SCHEDULE_CLOSE"`

	Ladder         []int `env:"SYNC_LADDER" envSeparator:","`
	MinSpacing     int   `env:"SYNC_MIN_SPACING_MS"`
	MaxInteraction int   `env:"SYNC_MAX_INTERACTION_SECONDS"`

	SourceKind  string `env:"SOURCE_KIND"`
	SourceURL   string `env:"SOURCE_URL"`
	SourceToken string `env:"SOURCE_TOKEN"`
	CacheDir    string `env:"SOURCE_CACHE_DIR"`

	PushURL  string `env:"PUSH_URL"`
	PushRoom string `env:"PUSH_ROOM"`

	BroadcastKind    string `env:"BROADCAST_KIND"`
	BroadcastRedis   string `env:"BROADCAST_REDIS_ADDR"`
	BroadcastChannel string `env:"BROADCAST_CHANNEL"`

	AuthUser     string `env:"BASIC_AUTH_USERNAME"`
	AuthPassword string `env:"BASIC_AUTH_PASSWORD"`
}

// ApplyEnv overrides cfg from DRIVEGRID_* environment variables.
func ApplyEnv(cfg *Config) error {
	o := envOverrides{
		Listen:           cfg.Listen,
		Timezone:         cfg.Timezone,
		RollCron:         cfg.RollCron,
		PositionsFile:    cfg.PositionsFile,
		Marks:            cfg.Schedule.Marks,
		LessonMinutes:    cfg.Schedule.LessonMinutes,
		Open:             cfg.Schedule.Open,
		Close:            cfg.Schedule.Close,
		Ladder:           cfg.Sync.LadderSeconds,
		MinSpacing:       cfg.Sync.MinSpacingMillis,
		MaxInteraction:   cfg.Sync.MaxInteractionSeconds,
		SourceKind:       cfg.Source.Kind,
		SourceURL:        cfg.Source.URL,
		SourceToken:      cfg.Source.Token,
		CacheDir:         cfg.Source.CacheDir,
		PushURL:          cfg.Push.URL,
		PushRoom:         cfg.Push.Room,
		BroadcastKind:    cfg.Broadcast.Kind,
		BroadcastRedis:   cfg.Broadcast.RedisAddr,
		BroadcastChannel: cfg.Broadcast.Channel,
	}
	if cfg.BasicAuth != nil {
		o.AuthUser = cfg.BasicAuth.Username
		o.AuthPassword = cfg.BasicAuth.Password
	}
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config env: %w", err)
	}

	cfg.Listen = o.Listen
	cfg.Timezone = o.Timezone
	cfg.RollCron = o.RollCron
	cfg.PositionsFile = o.PositionsFile
	cfg.Schedule.Marks = o.Marks
	cfg.Schedule.LessonMinutes = o.LessonMinutes
	cfg.Schedule.Open = o.Open
	cfg.Schedule.Close = o.Close
	cfg.Sync.LadderSeconds = o.Ladder
	cfg.Sync.MinSpacingMillis = o.MinSpacing
	cfg.Sync.MaxInteractionSeconds = o.MaxInteraction
	cfg.Source.Kind = o.SourceKind
	cfg.Source.URL = o.SourceURL
	cfg.Source.Token = o.SourceToken
	cfg.Source.CacheDir = o.CacheDir
	cfg.Push.URL = o.PushURL
	cfg.Push.Room = o.PushRoom
	cfg.Broadcast.Kind = o.BroadcastKind
	cfg.Broadcast.RedisAddr = o.BroadcastRedis
	cfg.Broadcast.Channel = o.BroadcastChannel
	if o.AuthUser != "" {
		cfg.BasicAuth = &BasicAuthConfig{Username: o.AuthUser, Password: o.AuthPassword}
	}
	cfg.Normalize()
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms (creating the parent directory) and returned.
//   - Otherwise the YAML is read and normalized.
//   - DRIVEGRID_* environment variables are applied last; they are never
//     written back to the file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	var cfg *Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return cfg, err
		}
	case err != nil:
		return nil, err
	default:
		cfg = &Config{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
		cfg.Normalize()
	}

	if err := ApplyEnv(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg as YAML via a temp file and rename. The directory is
// created 0700, the file 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".drivegrid-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
