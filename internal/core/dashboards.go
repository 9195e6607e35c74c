package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DashboardsMap keys every plugin dashboard by the URL path it is served on.
func DashboardsMap(plugins []Plugin) map[string][]byte {
	result := make(map[string][]byte)
	for _, plugin := range plugins {
		id := plugin.Manifest().PluginID
		for _, dash := range plugin.Dashboards() {
			result[dashboardPath(id, dash.Name)] = dash.JSON
		}
	}
	return result
}

// WriteDashboards lays dashboards out as <dir>/<plugin>/<name>.json for
// Grafana file provisioning. Files whose content is unchanged are left alone
// so Grafana does not reload them. Invalid JSON is reported and skipped.
func WriteDashboards(dir string, plugins []Plugin) error {
	if dir == "" {
		return nil
	}
	var errs []error
	for _, plugin := range plugins {
		id := plugin.Manifest().PluginID
		for _, dash := range plugin.Dashboards() {
			if !json.Valid(dash.JSON) {
				errs = append(errs, fmt.Errorf("dashboard %s/%s is not valid JSON", id, dash.Name))
				continue
			}
			if err := writeIfChanged(filepath.Join(dir, id), dash.Name+".json", dash.JSON); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func writeIfChanged(dir, name string, data []byte) error {
	path := filepath.Join(dir, name)
	if current, err := os.ReadFile(path); err == nil && bytes.Equal(current, data) {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dashboard dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("write dashboard %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write dashboard %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("write dashboard %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write dashboard %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write dashboard %s: %w", path, err)
	}
	return nil
}
