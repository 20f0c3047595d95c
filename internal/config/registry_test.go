package config_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/banter/internal/config"
	"github.com/MrWong99/banter/pkg/provider/llm"
	"github.com/MrWong99/banter/pkg/provider/llm/mock"
)

func TestRegistry_CreateRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var gotEntry config.ProviderEntry
	reg.Register("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		gotEntry = entry
		return &mock.Provider{}, nil
	})

	entry := config.ProviderEntry{Name: "OpenAI", APIKey: "sk-test", Model: "gpt-4o"}
	p, err := reg.Create(entry)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("Create returned nil provider")
	}
	if gotEntry.Model != "gpt-4o" {
		t.Errorf("factory received entry %+v", gotEntry)
	}
}

func TestRegistry_CreateUnregistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	_, err := reg.Create(config.ProviderEntry{Name: "skynet", Model: "t-800"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("want ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("bad credentials")
	reg.Register("ollama", func(config.ProviderEntry) (llm.Provider, error) {
		return nil, boom
	})

	_, err := reg.Create(config.ProviderEntry{Name: "ollama", Model: "llama3.1"})
	if !errors.Is(err, boom) {
		t.Fatalf("factory error should be wrapped, got %v", err)
	}
}
