/*
Package config loads bloodbank settings from files and the environment.

# Overview

Config wraps a map[string]any and provides typed accessors that return a
default when a key is missing or its value cannot be converted. Settings is
the typed view the publisher, tracker, and debug API are built from.

# Loading

	cfg, err := config.FromFile("bloodbank.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	settings := config.LoadSettings(cfg, os.LookupEnv)

Files may nest everything under a single top-level "bloodbank" section and
may group keys into sections (redis: {host: cache} reads as redis_host).
Keys are snake_case (rabbit_url, redis_host, correlation_ttl_days). Each key
may be overridden by the upper-case environment variable of the same name
(RABBIT_URL, REDIS_HOST, ...). Environment values are strings, so every
accessor also parses string input.

# Type Coercion

Duration accepts a time.ParseDuration string, or a number (or numeric
string) of seconds. Int and Float accept numeric strings. Bool accepts
anything strconv.ParseBool does.

Settings values are plain data; nothing in this package holds process-wide
mutable state.
*/
package config
