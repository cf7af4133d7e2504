// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, hot reload, metrics export and debug introspection of the
// controller.
//
// Provides:
//   - Config with defaults, validation and viper loading (OFCORE_* env)
//   - ConfigStore with ordered reload listeners and config file watching
//   - a prometheus collector over engine throughput and request outcomes
//   - named debug probes served as JSON
package control
