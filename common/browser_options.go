/*
 *
 * zombie - a deterministic headless browser runtime for Go tests
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/guregu/null.v3"
)

const (
	DefaultLanguage     = "en-US"
	DefaultMaxRedirects = 5
	DefaultWaitDuration = 5 * time.Second
	DefaultUserAgent    = "Mozilla/5.0 Chrome/10.0.613.0 Safari/534.15 Zombie/" + Version

	// Version is reported in the default user agent.
	Version = "0.1.0"

	envPrefix = "ZOMBIE"
)

// Options configure a browser. Every browser owns its own copy.
type Options struct {
	// Site is the base URL for relative URLs when no document is loaded.
	Site         string            `mapstructure:"site"`
	UserAgent    string            `mapstructure:"user_agent"`
	Language     string            `mapstructure:"language"`
	Headers      map[string]string `mapstructure:"headers"`
	MaxRedirects int               `mapstructure:"max_redirects"`
	WaitDuration time.Duration     `mapstructure:"wait_duration"`
	RunScripts   bool              `mapstructure:"run_scripts"`

	LogLevel          string `mapstructure:"log_level"`
	LogCategoryFilter string `mapstructure:"log_category_filter"`
	Debug             bool   `mapstructure:"debug"`
}

// NewOptions returns the default options.
func NewOptions() *Options {
	return &Options{
		UserAgent:    DefaultUserAgent,
		Language:     DefaultLanguage,
		Headers:      make(map[string]string),
		MaxRedirects: DefaultMaxRedirects,
		WaitDuration: DefaultWaitDuration,
		RunScripts:   true,
		LogLevel:     "info",
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	var errs []error
	if o.Site != "" {
		u, err := url.Parse(o.Site)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid site %q: must be an absolute URL", o.Site))
		}
	}
	if o.MaxRedirects < 0 {
		errs = append(errs, fmt.Errorf(`invalid max redirects "%d": precondition 0 <= MAX_REDIRECTS failed`, o.MaxRedirects))
	}
	if o.WaitDuration <= 0 {
		errs = append(errs, fmt.Errorf("invalid wait duration %q: %w", o.WaitDuration, ErrInvalidWaitDuration))
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy.
func (o *Options) Clone() *Options {
	c := *o
	c.Headers = make(map[string]string, len(o.Headers))
	for k, v := range o.Headers {
		c.Headers[k] = v
	}
	return &c
}

// OptionsOverrides hold the options a caller explicitly set. Unset fields
// leave the current value alone.
type OptionsOverrides struct {
	Site         null.String
	UserAgent    null.String
	Language     null.String
	MaxRedirects null.Int
	WaitDuration null.String
	RunScripts   null.Bool
}

// Apply copies every set override onto o.
func (o *Options) Apply(ov OptionsOverrides) error {
	if ov.Site.Valid {
		o.Site = ov.Site.String
	}
	if ov.UserAgent.Valid {
		o.UserAgent = ov.UserAgent.String
	}
	if ov.Language.Valid {
		o.Language = ov.Language.String
	}
	if ov.MaxRedirects.Valid {
		o.MaxRedirects = int(ov.MaxRedirects.Int64)
	}
	if ov.WaitDuration.Valid {
		d, err := time.ParseDuration(ov.WaitDuration.String)
		if err != nil {
			return fmt.Errorf("parsing wait duration %q: %w", ov.WaitDuration.String, err)
		}
		o.WaitDuration = d
	}
	if ov.RunScripts.Valid {
		o.RunScripts = ov.RunScripts.Bool
	}
	return o.Validate()
}

// LoadOptions reads options from a config file (optional, any format viper
// understands) and ZOMBIE_* environment variables, on top of the defaults.
func LoadOptions(path string) (*Options, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	def := NewOptions()
	v.SetDefault("site", def.Site)
	v.SetDefault("user_agent", def.UserAgent)
	v.SetDefault("language", def.Language)
	v.SetDefault("headers", def.Headers)
	v.SetDefault("max_redirects", def.MaxRedirects)
	v.SetDefault("wait_duration", def.WaitDuration)
	v.SetDefault("run_scripts", def.RunScripts)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_category_filter", def.LogCategoryFilter)
	v.SetDefault("debug", def.Debug)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
	}

	opts := &Options{
		Site:              v.GetString("site"),
		UserAgent:         v.GetString("user_agent"),
		Language:          v.GetString("language"),
		Headers:           v.GetStringMapString("headers"),
		MaxRedirects:      v.GetInt("max_redirects"),
		WaitDuration:      v.GetDuration("wait_duration"),
		RunScripts:        v.GetBool("run_scripts"),
		LogLevel:          v.GetString("log_level"),
		LogCategoryFilter: v.GetString("log_category_filter"),
		Debug:             v.GetBool("debug"),
	}
	if opts.Headers == nil {
		opts.Headers = make(map[string]string)
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("validating options: %w", err)
	}

	return opts, nil
}
