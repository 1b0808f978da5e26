package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/imdario/mergo"
	"github.com/jinzhu/copier"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/vango-dev/packscripts/internal/errors"
)

const (
	// ConfigName is the base name of the optional configuration file
	// (packscripts.yaml, packscripts.json, ...).
	ConfigName = "packscripts"

	// ProjectFile is the project metadata file.
	ProjectFile = "package.json"

	// DefaultPort is the default development server port.
	DefaultPort = 3000

	// DefaultHost is the default development server host.
	DefaultHost = "127.0.0.1"

	// DefaultOutput is the default build output directory.
	DefaultOutput = "dist"

	// DefaultHotPath is the path of the hot event stream.
	DefaultHotPath = "/__hmr"

	// DefaultMetricsPath is the path of the prometheus endpoint.
	DefaultMetricsPath = "/__metrics"

	// DefaultInlineLimit is the largest image inlined as a data URL.
	DefaultInlineLimit = 10240
)

// Mode selects the build flavor.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

// ParseMode converts a NODE_ENV value into a Mode. The empty string selects
// development.
func ParseMode(s string) (Mode, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "", "development", "dev":
		return ModeDevelopment, nil
	case "production", "prod":
		return ModeProduction, nil
	}
	return "", errors.New("E124").WithDetail(fmt.Sprintf("NODE_ENV=%q is not a known mode", s))
}

// Config is the resolved configuration for one command invocation. It is not
// modified after Load returns.
type Config struct {
	Mode Mode `yaml:"mode" mapstructure:"-"`

	// Dir is the real path of the project root.
	Dir string `yaml:"dir" mapstructure:"-"`

	// ConfigFile is the configuration file that was merged, if any.
	ConfigFile string `yaml:"configFile,omitempty" mapstructure:"-"`

	Project Project `yaml:"project" mapstructure:"-"`

	// Entry lists the entry points relative to Dir.
	Entry []string `yaml:"entry" mapstructure:"entry"`

	Output    OutputConfig    `yaml:"output" mapstructure:"output"`
	Resolve   ResolveConfig   `yaml:"resolve" mapstructure:"resolve"`
	Loaders   []LoaderRule    `yaml:"loaders" mapstructure:"loaders"`
	Assets    AssetsConfig    `yaml:"assets" mapstructure:"assets"`
	HTML      HTMLConfig      `yaml:"html" mapstructure:"html"`
	Copy      CopyConfig      `yaml:"copy" mapstructure:"copy"`
	Dev       DevConfig       `yaml:"dev" mapstructure:"dev"`
	Build     BuildConfig     `yaml:"build" mapstructure:"build"`
	TypeCheck TypeCheckConfig `yaml:"typecheck" mapstructure:"typecheck"`
	Publish   PublishConfig   `yaml:"publish" mapstructure:"publish"`
}

// Project is the subset of package.json the harness uses.
type Project struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	License string `yaml:"license"`
	Author  string `yaml:"author"`
}

// OutputConfig controls where and under which names output is written.
type OutputConfig struct {
	Path       string `yaml:"path" mapstructure:"path"`
	PublicPath string `yaml:"publicPath" mapstructure:"publicPath"`
	EntryNames string `yaml:"entryNames" mapstructure:"entryNames"`
	AssetNames string `yaml:"assetNames" mapstructure:"assetNames"`
	ChunkNames string `yaml:"chunkNames" mapstructure:"chunkNames"`

	// HashSalt is mixed into the build hash. Defaults to the project name.
	HashSalt string `yaml:"hashSalt" mapstructure:"hashSalt"`
}

// ResolveConfig controls module resolution inputs handed to the bundler.
type ResolveConfig struct {
	Extensions []string `yaml:"extensions" mapstructure:"extensions"`

	// Alias maps an import prefix to a directory relative to Dir.
	Alias map[string]string `yaml:"alias" mapstructure:"alias"`
}

// LoaderRule assigns a loader to files ending in Ext.
type LoaderRule struct {
	Ext    string `yaml:"ext" mapstructure:"ext"`
	Loader string `yaml:"loader" mapstructure:"loader"`
}

// AssetsConfig controls image and font handling.
type AssetsConfig struct {
	// InlineLimit is the size in bytes below which images become data URLs.
	InlineLimit int64    `yaml:"inlineLimit" mapstructure:"inlineLimit"`
	Images      []string `yaml:"images" mapstructure:"images"`

	// Fonts are always inlined as data URLs.
	Fonts []string `yaml:"fonts" mapstructure:"fonts"`
}

// HTMLConfig controls the generated index.html.
type HTMLConfig struct {
	Template string `yaml:"template" mapstructure:"template"`
	Title    string `yaml:"title" mapstructure:"title"`
	Minify   bool   `yaml:"minify" mapstructure:"minify"`
}

// CopyConfig controls the static copy step.
type CopyConfig struct {
	From   string   `yaml:"from" mapstructure:"from"`
	Ignore []string `yaml:"ignore" mapstructure:"ignore"`
}

// DevConfig contains development server settings.
type DevConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`

	// HotPath is the path of the hot event stream; the websocket transport
	// is mounted at HotPath + "/ws".
	HotPath   string        `yaml:"hotPath" mapstructure:"hotPath"`
	Heartbeat time.Duration `yaml:"heartbeat" mapstructure:"heartbeat"`

	// WriteToDisk writes dev output to Output.Path instead of memory.
	WriteToDisk bool `yaml:"writeToDisk" mapstructure:"writeToDisk"`

	// Overlay and Reload configure the injected hot client.
	Overlay bool `yaml:"overlay" mapstructure:"overlay"`
	Reload  bool `yaml:"reload" mapstructure:"reload"`

	Watch    []string      `yaml:"watch" mapstructure:"watch"`
	Ignore   []string      `yaml:"ignore" mapstructure:"ignore"`
	Debounce time.Duration `yaml:"debounce" mapstructure:"debounce"`

	Metrics     bool   `yaml:"metrics" mapstructure:"metrics"`
	MetricsPath string `yaml:"metricsPath" mapstructure:"metricsPath"`

	// Transport is the hot transport the injected client prefers: "sse" or "ws".
	Transport string `yaml:"transport" mapstructure:"transport"`
}

// BuildConfig contains bundling settings that differ between modes.
type BuildConfig struct {
	Minify bool `yaml:"minify" mapstructure:"minify"`

	// Sourcemap is "inline", "external", "linked" or "none".
	Sourcemap   string   `yaml:"sourcemap" mapstructure:"sourcemap"`
	Banner      string   `yaml:"banner" mapstructure:"banner"`
	Clean       bool     `yaml:"clean" mapstructure:"clean"`
	Compression []string `yaml:"compression" mapstructure:"compression"`
	Target      string   `yaml:"target" mapstructure:"target"`
}

// TypeCheckConfig controls the external TypeScript checker.
type TypeCheckConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Config  string `yaml:"config" mapstructure:"config"`
}

// PublishConfig is the optional S3 destination for built output.
type PublishConfig struct {
	Bucket       string `yaml:"bucket" mapstructure:"bucket"`
	Prefix       string `yaml:"prefix" mapstructure:"prefix"`
	Region       string `yaml:"region" mapstructure:"region"`
	CacheControl string `yaml:"cacheControl" mapstructure:"cacheControl"`
}

// New returns the configuration for mode before any file, env or flag
// overrides are applied.
func New(mode Mode, project Project) *Config {
	cfg := &Config{
		Mode:    mode,
		Project: project,
		Entry:   []string{"src/index.tsx"},
		Output: OutputConfig{
			Path:       DefaultOutput,
			PublicPath: "/",
			EntryNames: "js/[name].[hash]",
			AssetNames: "images/[name].[hash]",
			ChunkNames: "js/[name].[hash]",
			HashSalt:   project.Name,
		},
		Resolve: ResolveConfig{
			Extensions: []string{".js", ".ts", ".tsx", ".json"},
			Alias:      map[string]string{"@": "src"},
		},
		Loaders: []LoaderRule{
			{Ext: ".js", Loader: "jsx"},
			{Ext: ".jsx", Loader: "jsx"},
			{Ext: ".ts", Loader: "ts"},
			{Ext: ".tsx", Loader: "tsx"},
			{Ext: ".json", Loader: "json"},
			{Ext: ".module.css", Loader: "local-css"},
			{Ext: ".css", Loader: "css"},
		},
		Assets: AssetsConfig{
			InlineLimit: DefaultInlineLimit,
			Images:      []string{".bmp", ".gif", ".jpg", ".jpeg", ".png", ".avif", ".svg"},
			Fonts:       []string{".ttf", ".woff", ".woff2", ".eot", ".otf"},
		},
		HTML: HTMLConfig{
			Template: "public/index.html",
			Title:    project.Name,
		},
		Copy: CopyConfig{
			From:   "public",
			Ignore: []string{"index.html"},
		},
		Dev: DevConfig{
			Host:        DefaultHost,
			Port:        DefaultPort,
			HotPath:     DefaultHotPath,
			Heartbeat:   2 * time.Second,
			Watch:       []string{"src", "public"},
			Debounce:    100 * time.Millisecond,
			MetricsPath: DefaultMetricsPath,
			Transport:   "sse",
		},
		Build: BuildConfig{
			Sourcemap: "none",
			Target:    "es2017",
		},
		TypeCheck: TypeCheckConfig{
			Config: "tsconfig.json",
		},
		Publish: PublishConfig{
			CacheControl: "public, max-age=31536000, immutable",
		},
	}

	overlay := developmentOverlay()
	if mode == ModeProduction {
		overlay = productionOverlay(project, time.Now().Year())
	}
	// The overlays only contain valid, same-typed values; a merge error here
	// is a programming error.
	if err := mergo.Merge(&cfg.Dev, overlay.Dev, mergo.WithOverride); err != nil {
		panic(err)
	}
	if err := mergo.Merge(&cfg.Build, overlay.Build, mergo.WithOverride); err != nil {
		panic(err)
	}
	if err := mergo.Merge(&cfg.HTML, overlay.HTML, mergo.WithOverride); err != nil {
		panic(err)
	}
	return cfg
}

type modeOverlay struct {
	Dev   DevConfig
	Build BuildConfig
	HTML  HTMLConfig
}

func developmentOverlay() modeOverlay {
	return modeOverlay{
		Dev: DevConfig{
			Overlay: true,
			Reload:  true,
			Metrics: true,
		},
		Build: BuildConfig{
			Sourcemap: "inline",
		},
	}
}

func productionOverlay(project Project, year int) modeOverlay {
	o := modeOverlay{
		Build: BuildConfig{
			Minify:      true,
			Clean:       true,
			Compression: []string{"gzip", "br"},
		},
		HTML: HTMLConfig{Minify: true},
	}
	if project.License != "" || project.Author != "" {
		o.Build.Banner = fmt.Sprintf("/** @license %s (c) %d %s */", project.License, year, project.Author)
	}
	return o
}

// LoadOptions controls Load.
type LoadOptions struct {
	// Dir is the project root. Defaults to the working directory.
	Dir string

	// Mode forces the mode. When empty the mode key (NODE_ENV) decides.
	Mode Mode

	// Viper carries the command's env and flag bindings. When nil a viper
	// with only the env bindings is used.
	Viper *viper.Viper

	// Fs is the filesystem package.json and entries are read from.
	Fs afero.Fs
}

// NewViper returns a viper instance with the harness environment bindings.
func NewViper() *viper.Viper {
	v := viper.New()
	_ = v.BindEnv("mode", "NODE_ENV")
	_ = v.BindEnv("dev.host", "HOST")
	_ = v.BindEnv("dev.port", "PORT")
	return v
}

// Load resolves the configuration: defaults, mode overlay, configuration
// file, environment, then flags. The result is validated.
func Load(opts LoadOptions) (*Config, error) {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	v := opts.Viper
	if v == nil {
		v = NewViper()
	}

	dir, err := resolveDir(opts.Dir)
	if err != nil {
		return nil, errors.New("E120").Wrap(err)
	}

	project, err := LoadProject(fs, dir)
	if err != nil {
		return nil, err
	}

	mode := opts.Mode
	if mode == "" {
		mode, err = ParseMode(v.GetString("mode"))
		if err != nil {
			return nil, err
		}
	}

	cfg := New(mode, project)
	cfg.Dir = dir
	if ok, _ := afero.Exists(fs, filepath.Join(dir, cfg.TypeCheck.Config)); ok {
		cfg.TypeCheck.Enabled = true
	}

	v.SetFs(fs)
	v.SetConfigName(ConfigName)
	v.AddConfigPath(dir)
	v.AddConfigPath(filepath.Join(xdg.ConfigHome, ConfigName))
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !stderrors.As(err, &notFound) {
			return nil, errors.New("E120").
				WithDetail("Failed to read " + v.ConfigFileUsed()).
				Wrap(err)
		}
	} else {
		cfg.ConfigFile = v.ConfigFileUsed()
	}

	if raw := strings.TrimSpace(v.GetString("dev.port")); raw != "" {
		if _, err := strconv.Atoi(raw); err != nil {
			return nil, errors.New("E122").
				WithDetail(fmt.Sprintf("PORT=%q is not a number", raw)).
				Wrap(err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.New("E120").Wrap(err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, entry := range cfg.EntryPoints() {
		if ok, _ := afero.Exists(fs, entry); !ok {
			return nil, errors.New("E123").WithDetail(entry + " does not exist")
		}
	}
	return cfg, nil
}

func resolveDir(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}
	return abs, nil
}

// LoadProject reads package.json from dir.
func LoadProject(fs afero.Fs, dir string) (Project, error) {
	path := filepath.Join(dir, ProjectFile)
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return Project{}, errors.New("E121").WithDetail("No package.json found in " + dir)
		}
		return Project{}, errors.New("E120").Wrap(err)
	}

	var raw struct {
		Name    string          `json:"name"`
		Version string          `json:"version"`
		License string          `json:"license"`
		Author  json.RawMessage `json:"author"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Project{}, errors.New("E120").
			WithDetail("Failed to parse package.json: " + err.Error()).
			WithSuggestion("Check that package.json is valid JSON")
	}

	return Project{
		Name:    raw.Name,
		Version: raw.Version,
		License: raw.License,
		Author:  parseAuthor(raw.Author),
	}, nil
}

// parseAuthor accepts both the string and the {name, email} author forms.
func parseAuthor(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var person struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(raw, &person); err != nil {
		return ""
	}
	if person.Email != "" {
		return person.Name + " <" + person.Email + ">"
	}
	return person.Name
}

// applyDefaults fills in fields that overrides left empty.
func (c *Config) applyDefaults() {
	if c.Dev.Port == 0 {
		c.Dev.Port = DefaultPort
	}
	if c.Dev.Host == "" {
		c.Dev.Host = DefaultHost
	}
	if c.Dev.HotPath == "" {
		c.Dev.HotPath = DefaultHotPath
	}
	if c.Dev.MetricsPath == "" {
		c.Dev.MetricsPath = DefaultMetricsPath
	}
	if c.Dev.Heartbeat <= 0 {
		c.Dev.Heartbeat = 2 * time.Second
	}
	if c.Dev.Transport == "" {
		c.Dev.Transport = "sse"
	}
	if c.Output.Path == "" {
		c.Output.Path = DefaultOutput
	}
	if c.Output.PublicPath == "" {
		c.Output.PublicPath = "/"
	}
	if c.Output.HashSalt == "" {
		c.Output.HashSalt = c.Project.Name
	}
	if c.HTML.Title == "" {
		c.HTML.Title = c.Project.Name
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Mode != ModeDevelopment && c.Mode != ModeProduction {
		return errors.New("E124").WithDetail(fmt.Sprintf("mode %q is not development or production", c.Mode))
	}
	if c.Dev.Port < 0 || c.Dev.Port > 65535 {
		return errors.New("E122").
			WithDetail(fmt.Sprintf("Port %d must be between 0 and 65535", c.Dev.Port))
	}
	if len(c.Entry) == 0 {
		return errors.New("E123").WithDetail("No entry points configured")
	}
	if err := c.validateOutput(); err != nil {
		return err
	}
	switch c.Dev.Transport {
	case "sse", "ws":
	default:
		return errors.New("E120").WithDetail(fmt.Sprintf("dev.transport %q must be sse or ws", c.Dev.Transport))
	}
	switch c.Build.Sourcemap {
	case "inline", "external", "linked", "none", "":
	default:
		return errors.New("E120").WithDetail(fmt.Sprintf("build.sourcemap %q is not supported", c.Build.Sourcemap))
	}
	for _, algo := range c.Build.Compression {
		if algo != "gzip" && algo != "br" {
			return errors.New("E120").WithDetail(fmt.Sprintf("build.compression %q must be gzip or br", algo))
		}
	}
	return nil
}

// validateOutput rejects output directories the clean step would wipe
// sources from: the project root, its ancestors, and any directory holding
// an entry point, the template or the copied public directory.
func (c *Config) validateOutput() error {
	out := c.OutputPath()
	if within(out, c.Abs(".")) {
		return errors.New("E120").
			WithDetail(fmt.Sprintf("output.path %q contains the project root", c.Output.Path)).
			WithSuggestion("Point output.path at a dedicated directory such as dist")
	}
	protected := c.EntryPoints()
	if c.Copy.From != "" {
		protected = append(protected, c.Abs(c.Copy.From))
	}
	if c.HTML.Template != "" {
		protected = append(protected, c.TemplatePath())
	}
	for _, p := range protected {
		if within(out, p) {
			return errors.New("E120").
				WithDetail(fmt.Sprintf("output.path %q contains %s", c.Output.Path, p)).
				WithSuggestion("Point output.path at a dedicated directory such as dist")
		}
	}
	return nil
}

// within reports whether p is dir or lies below it.
func within(dir, p string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(p))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	out := &Config{}
	if err := copier.CopyWithOption(out, c, copier.Option{DeepCopy: true}); err != nil {
		panic(err)
	}
	return out
}

// IsProduction reports whether the configuration targets production.
func (c *Config) IsProduction() bool {
	return c.Mode == ModeProduction
}

// DevAddress returns the address string for the dev server.
func (c *Config) DevAddress() string {
	return net.JoinHostPort(c.Dev.Host, strconv.Itoa(c.Dev.Port))
}

// PublicURL is the public path without its trailing slash, as exposed to
// HTML templates.
func (c *Config) PublicURL() string {
	return strings.TrimSuffix(c.Output.PublicPath, "/")
}

// Abs resolves p against the project root.
func (c *Config) Abs(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// OutputPath returns the absolute path to the build output directory.
func (c *Config) OutputPath() string {
	return c.Abs(c.Output.Path)
}

// EntryPoints returns the absolute entry point paths.
func (c *Config) EntryPoints() []string {
	out := make([]string, len(c.Entry))
	for i, e := range c.Entry {
		out[i] = c.Abs(e)
	}
	return out
}

// TemplatePath returns the absolute path to the HTML template.
func (c *Config) TemplatePath() string {
	return c.Abs(c.HTML.Template)
}

// WatchPaths returns the absolute paths the dev server watches.
func (c *Config) WatchPaths() []string {
	out := make([]string, len(c.Dev.Watch))
	for i, w := range c.Dev.Watch {
		out[i] = c.Abs(w)
	}
	return out
}
