// control/hotreload.go
// Re-reads the configuration when viper's config file changes and pushes it
// into a ConfigStore.

package control

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Reload loads v once more and installs the result in store.
func Reload(v *viper.Viper, store *ConfigStore) error {
	cfg, err := Load(v)
	if err != nil {
		return err
	}
	return store.Update(cfg)
}

// Watch reloads store whenever the config file behind v changes. Invalid
// files are logged and ignored.
func Watch(v *viper.Viper, store *ConfigStore, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config")
	v.OnConfigChange(func(e fsnotify.Event) {
		if err := Reload(v, store); err != nil {
			log.Warn("config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		log.Info("config reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()
}
