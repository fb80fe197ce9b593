// Package backends wires the concrete backend implementations into a
// compute registry.
package backends

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l2succes/remote-claude-sub003/internal/cluster"
	"github.com/l2succes/remote-claude-sub003/internal/compute"
	"github.com/l2succes/remote-claude-sub003/internal/config"
	"github.com/l2succes/remote-claude-sub003/internal/fleet"
	"github.com/l2succes/remote-claude-sub003/internal/local"
)

// Factories returns the constructor for every built-in backend type.
func Factories() map[string]compute.Factory {
	return map[string]compute.Factory{
		fleet.ProviderType:   fleet.Factory,
		cluster.ProviderType: cluster.Factory,
		local.ProviderType:   local.Factory,
	}
}

// Register adds every built-in backend type to reg.
func Register(reg *compute.Registry) {
	for typ, f := range Factories() {
		reg.RegisterFactory(typ, f)
	}
}

// Deps builds the collaborators handed to backend factories for file.
func Deps(file compute.FileConfig, log *slog.Logger, metrics prometheus.Registerer) compute.Deps {
	return compute.Deps{
		Logger:   log,
		Settings: config.New(file.Settings),
		Metrics:  metrics,
	}
}

// NewRegistry creates an uninitialized registry for file with every
// built-in backend type registered.
func NewRegistry(file compute.FileConfig, log *slog.Logger, metrics prometheus.Registerer) *compute.Registry {
	reg := compute.NewRegistry(file, Deps(file, log, metrics))
	Register(reg)
	return reg
}

// Report is the validation outcome for one provider entry.
type Report struct {
	Name    string
	Type    string
	Enabled bool
	Result  compute.ValidationResult
}

// Validate constructs every configured backend without initializing it
// and reports its config check. Construction failures, such as unknown
// keys or an unknown type, are reported as validation errors.
func Validate(file compute.FileConfig, deps compute.Deps) []Report {
	factories := Factories()
	reports := make([]Report, 0, len(file.Providers))
	for _, pc := range file.Providers {
		rep := Report{Name: pc.Name, Type: pc.Type, Enabled: pc.Enabled}
		f, ok := factories[pc.Type]
		if !ok {
			rep.Result = compute.ValidationResult{Errors: []string{fmt.Sprintf("unknown provider type %q", pc.Type)}}
			reports = append(reports, rep)
			continue
		}
		d := deps
		// Validation-only instances stay out of the metrics registry.
		d.Metrics = nil
		p, err := f(pc, d)
		if err != nil {
			rep.Result = compute.ValidationResult{Errors: []string{err.Error()}}
		} else {
			rep.Result = p.ValidateConfig()
		}
		reports = append(reports, rep)
	}
	return reports
}
