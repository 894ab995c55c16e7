// Package config loads the YAML build configuration.
//
// Values are resolved in this order, later ones winning:
//  1. Default()
//  2. the YAML file
//  3. command line flags (applied by cmd/skytile)
//
// Validate is called once everything is applied.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/skytile/internal/alignment"
	"github.com/dreamware/skytile/internal/histogram"
	"github.com/dreamware/skytile/internal/record"
	"github.com/dreamware/skytile/internal/storage"
)

// DefaultTmpDir is created inside the catalog path when tmp_path is unset.
const DefaultTmpDir = "_skytile_tmp"

// Config is the full build configuration.
type Config struct {
	CatalogName   string       `json:"catalog_name" yaml:"catalog_name"`
	CatalogPath   string       `json:"catalog_path" yaml:"catalog_path"`
	TmpPath       string       `json:"tmp_path" yaml:"tmp_path"`
	IncrementName string       `json:"increment_name" yaml:"increment_name"`
	Input         Input        `json:"input" yaml:"input"`
	Partitioning  Partitioning `json:"partitioning" yaml:"partitioning"`
	Runtime       Runtime      `json:"runtime" yaml:"runtime"`
	Ledger        Ledger       `json:"ledger" yaml:"ledger"`
	Logging       Logging      `json:"logging" yaml:"logging"`
	Status        Status       `json:"status" yaml:"status"`

	defaultIncrement string
}

// Input describes where records come from and how to read them.
type Input struct {
	Paths              []string `json:"paths" yaml:"paths"`
	Glob               string   `json:"glob" yaml:"glob"`
	Format             string   `json:"format" yaml:"format"`
	BatchSize          int      `json:"batch_size" yaml:"batch_size"`
	Comma              string   `json:"comma" yaml:"comma"`
	RAColumn           string   `json:"ra_column" yaml:"ra_column"`
	DecColumn          string   `json:"dec_column" yaml:"dec_column"`
	MissingCoordinates string   `json:"missing_coordinates" yaml:"missing_coordinates"`
}

// Partitioning configures the planner and the reduce stage.
type Partitioning struct {
	MappingOrder    uint8    `json:"mapping_order" yaml:"mapping_order"`
	LowestOrder     uint8    `json:"lowest_order" yaml:"lowest_order"`
	PixelThreshold  *uint64  `json:"pixel_threshold" yaml:"pixel_threshold"`
	SortColumns     []string `json:"sort_columns" yaml:"sort_columns"`
	AddSpatialIndex bool     `json:"add_spatial_index" yaml:"add_spatial_index"`
	SkymapAltOrders []uint8  `json:"skymap_alt_orders" yaml:"skymap_alt_orders"`
}

// Runtime configures execution.
type Runtime struct {
	Workers                 int           `json:"workers" yaml:"workers"`
	DeleteIntermediateFiles bool          `json:"delete_intermediate_files" yaml:"delete_intermediate_files"`
	Progress                bool          `json:"progress" yaml:"progress"`
	MonitorInterval         time.Duration `json:"monitor_interval" yaml:"monitor_interval"`
}

// Ledger selects the checkpoint ledger backend.
type Ledger struct {
	Backend string `json:"backend" yaml:"backend"`
}

// Logging configures logrus.
type Logging struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Status configures the optional HTTP status server.
type Status struct {
	Addr string `json:"addr" yaml:"addr"`
}

// Default returns the configuration used for every unset field.
func Default() Config {
	return Config{
		Input: Input{
			Format:             "csv",
			BatchSize:          record.DefaultBatchSize,
			Comma:              ",",
			MissingCoordinates: string(record.Abort),
		},
		Partitioning: Partitioning{
			MappingOrder: 8,
		},
		Runtime: Runtime{
			DeleteIntermediateFiles: true,
			MonitorInterval:         10 * time.Second,
		},
		Ledger:  Ledger{Backend: storage.BackendBolt},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path on top of Default(). Unknown keys are
// rejected so that a misspelt option does not silently fall back to its
// default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Resolve fills the fields derived from others: the temp directory and
// the increment name (UTC date of now).
func (c *Config) Resolve(now time.Time) {
	if c.TmpPath == "" && c.CatalogPath != "" {
		c.TmpPath = filepath.Join(c.CatalogPath, DefaultTmpDir)
	}
	if c.IncrementName == "" {
		c.IncrementName = now.UTC().Format("2006-01-02")
		c.defaultIncrement = c.IncrementName
	}
}

// IncrementDefaulted reports whether Resolve chose the increment name.
// A resumed build may then keep the name of the attempt it continues.
func (c Config) IncrementDefaulted() bool {
	return c.defaultIncrement != "" && c.IncrementName == c.defaultIncrement
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.CatalogName == "" {
		return configErr(fmt.Errorf("catalog_name is required"))
	}
	if c.CatalogPath == "" {
		return configErr(fmt.Errorf("catalog_path is required"))
	}
	if c.IncrementName != "" && (filepath.Base(c.IncrementName) != c.IncrementName || c.IncrementName == "..") {
		return configErr(fmt.Errorf("increment_name %q must be a plain file name", c.IncrementName))
	}
	for _, v := range []interface{ Validate() error }{c.Input, c.Partitioning, c.Runtime, c.Ledger, c.Logging} {
		if err := v.Validate(); err != nil {
			return configErr(err)
		}
	}
	return nil
}

func configErr(err error) error {
	return fmt.Errorf("invalid config: %w", err)
}

// Validate checks the input section.
func (i Input) Validate() error {
	if len(i.Paths) == 0 && i.Glob == "" {
		return fmt.Errorf("input: one of paths or glob is required")
	}
	if i.Format != "csv" {
		return fmt.Errorf("input: unsupported format %q", i.Format)
	}
	if i.BatchSize <= 0 {
		return fmt.Errorf("input: batch_size must be positive")
	}
	if utf8.RuneCountInString(i.Comma) != 1 {
		return fmt.Errorf("input: comma must be a single character, got %q", i.Comma)
	}
	if (i.RAColumn == "") != (i.DecColumn == "") {
		return fmt.Errorf("input: ra_column and dec_column must be set together")
	}
	if _, err := record.ParsePolicy(i.MissingCoordinates); err != nil {
		return fmt.Errorf("input: %w", err)
	}
	return nil
}

// CommaRune returns the configured separator.
func (i Input) CommaRune() rune {
	r, _ := utf8.DecodeRuneInString(i.Comma)
	return r
}

// Files expands the configured paths and glob into a sorted list without
// duplicates.
func (i Input) Files() ([]string, error) {
	files := slices.Clone(i.Paths)
	if i.Glob != "" {
		matches, err := filepath.Glob(i.Glob)
		if err != nil {
			return nil, fmt.Errorf("input glob: %w", err)
		}
		files = append(files, matches...)
	}
	slices.Sort(files)
	files = slices.Compact(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("no input files match")
	}
	return files, nil
}

// Validate checks the partitioning section.
func (p Partitioning) Validate() error {
	if p.MappingOrder > histogram.MaxMappingOrder {
		return fmt.Errorf("partitioning: mapping_order %d exceeds %d", p.MappingOrder, histogram.MaxMappingOrder)
	}
	if p.LowestOrder > p.MappingOrder {
		return fmt.Errorf("partitioning: lowest_order %d exceeds mapping_order %d", p.LowestOrder, p.MappingOrder)
	}
	for _, o := range p.SkymapAltOrders {
		if o > p.MappingOrder {
			return fmt.Errorf("partitioning: skymap alt order %d exceeds mapping_order %d", o, p.MappingOrder)
		}
	}
	return nil
}

// Threshold returns the merge threshold; unset means unbounded.
func (p Partitioning) Threshold() uint64 {
	if p.PixelThreshold == nil {
		return alignment.Unbounded
	}
	return *p.PixelThreshold
}

// Validate checks the runtime section.
func (r Runtime) Validate() error {
	if r.Workers < 0 {
		return fmt.Errorf("runtime: workers must not be negative")
	}
	if r.MonitorInterval < 0 {
		return fmt.Errorf("runtime: monitor_interval must not be negative")
	}
	return nil
}

// Validate checks the ledger section.
func (l Ledger) Validate() error {
	switch l.Backend {
	case storage.BackendBolt, storage.BackendSQLite, storage.BackendMemory:
		return nil
	}
	return fmt.Errorf("ledger: unknown backend %q", l.Backend)
}

// NewLogger returns a logger configured from the section. Validate must
// have succeeded.
func (l Logging) NewLogger() *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(l.Level); err == nil {
		log.SetLevel(lvl)
	}
	if l.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

// Validate checks the logging section.
func (l Logging) Validate() error {
	if _, err := logrus.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if l.Format != "text" && l.Format != "json" {
		return fmt.Errorf("logging: format must be text or json, got %q", l.Format)
	}
	return nil
}
