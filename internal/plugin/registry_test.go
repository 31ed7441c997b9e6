package plugin

import "testing"

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register("weather", "plugin-a", []string{"getForecast", "getForecast"})

	reg, ok := r.Lookup("weather")
	if !ok {
		t.Fatal("expected registration to be found")
	}
	if reg.PluginID != "plugin-a" {
		t.Fatalf("owner = %q, want plugin-a", reg.PluginID)
	}
	if len(reg.Methods) != 1 {
		t.Fatalf("methods = %v, want deduped to one entry", reg.Methods)
	}
}

func TestRegistry_RegisterReplacesPriorOwner(t *testing.T) {
	r := NewRegistry()
	r.Register("weather", "plugin-a", []string{"getForecast"})
	r.Register("weather", "plugin-b", []string{"getForecast"})

	reg, _ := r.Lookup("weather")
	if reg.PluginID != "plugin-b" {
		t.Fatalf("owner = %q, want plugin-b", reg.PluginID)
	}
	if services := r.GetPluginServices("plugin-a"); len(services) != 0 {
		t.Fatalf("plugin-a should no longer own any service, got %v", services)
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	r.Register("weather", "plugin-a", nil)
	r.Unregister("weather")

	if _, ok := r.Lookup("weather"); ok {
		t.Fatal("expected weather to be unregistered")
	}
	if services := r.GetPluginServices("plugin-a"); len(services) != 0 {
		t.Fatalf("expected no owned services, got %v", services)
	}
}

func TestRegistry_GetPluginServices(t *testing.T) {
	r := NewRegistry()
	r.Register("weather", "plugin-a", nil)
	r.Register("forecast", "plugin-a", nil)

	services := r.GetPluginServices("plugin-a")
	if len(services) != 2 {
		t.Fatalf("services = %v, want 2 entries", services)
	}
}
