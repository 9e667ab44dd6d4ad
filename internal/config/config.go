// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config reads and validates the scheduler's YAML
// configuration file. Durations are expressed in the file as
// millisecond counts and surface here as time.Duration.
package config

import (
	"encoding/base64"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/juju/schema"
	"gopkg.in/yaml.v2"

	"github.com/atrofymovych/jaktoswim-backend-sub000/core/tenant"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/crypt"
)

// Mongo holds the store connection settings. Each tenant gets its own
// database named "<DatabasePrefix>-<tenant>".
type Mongo struct {
	URL            string
	DatabasePrefix string
}

// Config is the validated scheduler configuration.
type Config struct {
	TickInterval      time.Duration
	InterCommandDelay time.Duration
	LeaseTTL          time.Duration
	EvaluatorBudget   time.Duration

	Workers int

	MaxRetriesDefault   int
	RetryBackoffDefault time.Duration

	DecryptKey  []byte
	MetricsAddr string

	Mongo   Mongo
	Tenants []string
}

var configFields = schema.Fields{
	"tick-interval-ms":         schema.Int(),
	"inter-command-delay-ms":   schema.Int(),
	"lease-ttl-ms":             schema.Int(),
	"evaluator-budget-ms":      schema.Int(),
	"workers":                  schema.Int(),
	"max-retries-default":      schema.Int(),
	"retry-backoff-default-ms": schema.Int(),
	"decrypt-key":              schema.String(),
	"metrics-addr":             schema.String(),
	"mongo": schema.FieldMap(schema.Fields{
		"url":             schema.String(),
		"database-prefix": schema.String(),
	}, schema.Defaults{
		"url":             "mongodb://localhost:27017",
		"database-prefix": "jaktoswim",
	}),
	"tenants": schema.List(schema.String()),
}

var configDefaults = schema.Defaults{
	"tick-interval-ms":         1000,
	"inter-command-delay-ms":   100,
	"lease-ttl-ms":             600000,
	"evaluator-budget-ms":      10000,
	"workers":                  1,
	"max-retries-default":      0,
	"retry-backoff-default-ms": 60000,
	"metrics-addr":             "",
	"mongo":                    schema.Omit,
}

// Read loads, parses, and validates the config file at path.
func Read(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotatef(err, "reading config %q", path)
	}
	return Parse(data)
}

// Parse parses and validates YAML config data.
func Parse(data []byte) (Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, errors.Annotate(err, "parsing config")
	}

	coerced, err := schema.FieldMap(configFields, configDefaults).Coerce(raw, nil)
	if err != nil {
		return Config{}, errors.Annotate(err, "config schema check failed")
	}
	valid := coerced.(map[string]interface{})

	key, err := base64.StdEncoding.DecodeString(valid["decrypt-key"].(string))
	if err != nil {
		return Config{}, errors.Annotate(err, "decoding decrypt-key")
	}

	cfg := Config{
		TickInterval:        millis(valid["tick-interval-ms"]),
		InterCommandDelay:   millis(valid["inter-command-delay-ms"]),
		LeaseTTL:            millis(valid["lease-ttl-ms"]),
		EvaluatorBudget:     millis(valid["evaluator-budget-ms"]),
		Workers:             int(valid["workers"].(int64)),
		MaxRetriesDefault:   int(valid["max-retries-default"].(int64)),
		RetryBackoffDefault: millis(valid["retry-backoff-default-ms"]),
		DecryptKey:          key,
		MetricsAddr:         valid["metrics-addr"].(string),
		Mongo: Mongo{
			URL:            "mongodb://localhost:27017",
			DatabasePrefix: "jaktoswim",
		},
	}
	if mongo, ok := valid["mongo"].(map[string]interface{}); ok {
		cfg.Mongo.URL = mongo["url"].(string)
		cfg.Mongo.DatabasePrefix = mongo["database-prefix"].(string)
	}
	for _, t := range valid["tenants"].([]interface{}) {
		cfg.Tenants = append(cfg.Tenants, t.(string))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// Validate returns an error if the config cannot drive a scheduler
// process.
func (c Config) Validate() error {
	if c.TickInterval < 0 {
		return errors.NotValidf("negative tick interval")
	}
	if c.InterCommandDelay < 0 {
		return errors.NotValidf("negative inter-command delay")
	}
	if c.LeaseTTL <= 0 {
		return errors.NotValidf("non-positive lease ttl")
	}
	if c.EvaluatorBudget <= 0 {
		return errors.NotValidf("non-positive evaluator budget")
	}
	if c.EvaluatorBudget >= c.LeaseTTL {
		return errors.NotValidf("evaluator budget %v not below lease ttl %v", c.EvaluatorBudget, c.LeaseTTL)
	}
	if c.Workers < 1 {
		return errors.NotValidf("workers %d", c.Workers)
	}
	if c.MaxRetriesDefault < 0 {
		return errors.NotValidf("negative max retries")
	}
	if c.RetryBackoffDefault < 0 {
		return errors.NotValidf("negative retry backoff")
	}
	if len(c.DecryptKey) != crypt.KeySize {
		return errors.NotValidf("decrypt key of %d bytes", len(c.DecryptKey))
	}
	if c.Mongo.URL == "" {
		return errors.NotValidf("empty mongo url")
	}
	if c.Mongo.DatabasePrefix == "" {
		return errors.NotValidf("empty mongo database prefix")
	}
	if len(c.Tenants) == 0 {
		return errors.NotValidf("no tenants")
	}
	for _, id := range c.Tenants {
		if err := tenant.ValidateID(id); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func millis(v interface{}) time.Duration {
	return time.Duration(v.(int64)) * time.Millisecond
}
