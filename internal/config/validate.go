package config

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/mithrel/busobj/pkg/api"
)

// CheckConfigValidity reports every problem in v as one error.
func CheckConfigValidity(v *viper.Viper) error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(v.GetString("data_dir")) == "" {
		add("data_dir is required")
	}
	bus := strings.TrimSpace(v.GetString("bus"))
	switch {
	case bus == "":
		add("bus is required (session, system, none, or an address)")
	case bus == "session", bus == "system", bus == "none":
	case !strings.Contains(bus, ":"):
		add("bus %q is not a D-Bus address", bus)
	}
	if bus != "none" && !validBusName(v.GetString("name")) {
		add("name %q is not a valid bus name", v.GetString("name"))
	}
	if v.GetInt("async.workers") < 0 {
		add("async.workers must not be negative")
	}
	if v.GetInt("async.workers") > 0 && v.GetInt("async.queue") < 0 {
		add("async.queue must not be negative")
	}
	if v.GetInt("dispatch.reply_history") <= 0 {
		add("dispatch.reply_history must be greater than 0")
	}
	switch strings.ToLower(v.GetString("log.format")) {
	case "console", "json":
	default:
		add("log.format must be console or json")
	}
	if v.GetBool("greeter.enabled") {
		if _, err := api.ParseObjectPath(v.GetString("greeter.path")); err != nil {
			add("greeter.path: %v", err)
		}
		if !validInterfaceName(v.GetString("greeter.interface")) {
			add("greeter.interface %q is not a valid interface name", v.GetString("greeter.interface"))
		}
		if d, err := cast.ToDurationE(v.Get("greeter.delay")); err != nil || d < 0 {
			add("greeter.delay must be a non-negative duration")
		}
	}
	return errors.Join(errs...)
}

// validBusName checks a well-known bus name. Elements may contain '-'.
func validBusName(s string) bool { return validDotted(s, true) }

// validInterfaceName checks an interface name, which unlike a bus name
// has no '-' in its elements.
func validInterfaceName(s string) bool { return validDotted(s, false) }

func validDotted(s string, dash bool) bool {
	if len(s) == 0 || len(s) > 255 {
		return false
	}
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return false
	}
	for _, p := range parts {
		if p == "" || (p[0] >= '0' && p[0] <= '9') {
			return false
		}
		for _, r := range p {
			if !(r == '_' || dash && r == '-' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
				return false
			}
		}
	}
	return true
}

// ValidateTOML checks a config file's contents the way Load would see them,
// without touching the environment.
func ValidateTOML(data []byte) error {
	v := viper.New()
	applyDefaults(v)
	v.SetConfigType("toml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	return CheckConfigValidity(v)
}
